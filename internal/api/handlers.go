package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-harvester/internal/crawler"
	"github.com/JakeFAU/proxy-harvester/internal/lease"
	"github.com/JakeFAU/proxy-harvester/internal/proxy"
)

const (
	msgTodo       = "todo"
	msgDeveloping = "developing.."
)

// proxyView is the API representation of a pooled record.
type proxyView struct {
	Anonymity string `json:"anonymity"`
	Scheme    string `json:"scheme"`
	IP        string `json:"ip"`
	Port      string `json:"port"`
	URL       string `json:"url"`
	CheckedAt int64  `json:"checked_at"`
}

type proxyListResponse struct {
	Count  int         `json:"count"`
	Detail []proxyView `json:"detail"`
}

type spiderStatusResponse struct {
	Count  int            `json:"count"`
	Detail []lease.Status `json:"detail"`
}

type spiderStartResponse struct {
	Class   crawler.JobClass `json:"class"`
	Started []string         `json:"started"`
}

type placeholderResponse struct {
	OK  int    `json:"ok"`
	Msg string `json:"msg"`
}

func (s *Server) getProxies(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	count := proxy.DefaultQueryCount
	if raw := params.Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = n
	}
	crit := proxy.Criteria{
		proxy.FieldScheme:    strings.ToLower(params.Get("scheme")),
		proxy.FieldAnonymity: params.Get("anonymity"),
	}

	records, err := s.proxies.Query(r.Context(), proxy.Query{Count: count, Criteria: crit})
	if err != nil {
		s.logger.Error("proxy query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "proxy query failed")
		return
	}
	resp := proxyListResponse{Count: len(records), Detail: make([]proxyView, 0, len(records))}
	for _, rec := range records {
		resp.Detail = append(resp.Detail, proxyView{
			Anonymity: rec.Anonymity,
			Scheme:    rec.Scheme,
			IP:        rec.IP,
			Port:      rec.Port,
			URL:       rec.URL(),
			CheckedAt: rec.CheckedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// createProxies accepts submissions but does not store them yet.
func (s *Server) createProxies(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	s.logger.Debug("proxy submission ignored", zap.Int("bytes", len(body)))
	s.writeJSON(w, http.StatusOK, placeholderResponse{OK: 1, Msg: msgTodo})
}

func (s *Server) deleteProxies(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, placeholderResponse{OK: 1, Msg: msgTodo})
}

func (s *Server) reportProxy(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, placeholderResponse{OK: 1, Msg: msgDeveloping})
}

func (s *Server) spiderStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.leases.AllStatus(r.Context())
	if err != nil {
		s.logger.Error("lease listing failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, spiderStatusResponse{Count: len(statuses), Detail: statuses})
}

func (s *Server) startSpiders(w http.ResponseWriter, r *http.Request) {
	class, err := crawler.ParseJobClass(r.URL.Query().Get("class"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	started, err := s.starter.StartCrawling(r.Context(), class)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, crawler.ErrUnknownJobClass) {
			status = http.StatusBadRequest
		}
		s.logger.Error("scheduling pass failed", zap.String("class", string(class)), zap.Error(err))
		s.writeError(w, status, "scheduling failed")
		return
	}
	if started == nil {
		started = []string{}
	}
	s.writeJSON(w, http.StatusAccepted, spiderStartResponse{Class: class, Started: started})
}
