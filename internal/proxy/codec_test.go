package proxy

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/gobwas/glob"
	"github.com/stretchr/testify/require"
)

func TestFilterSearchable(t *testing.T) {
	t.Parallel()

	got := FilterSearchable(Criteria{
		"anonymity": "high",
		"scheme":    "http",
		"count":     "3",
		"country":   "cn",
	})
	require.Equal(t, Criteria{"anonymity": "high", "scheme": "http"}, got)
	require.Empty(t, FilterSearchable(nil))
}

func TestBuildKey(t *testing.T) {
	t.Parallel()

	rec := Record{Anonymity: "high", Scheme: "http", IP: "1.2.3.4", Port: "8080"}
	require.Equal(t, "proxy_high:http:1.2.3.4:8080", BuildKey(rec))
	require.Equal(t, BuildKey(rec), BuildKey(rec))
	require.Equal(t, "proxy_None:https:1.2.3.4:None", BuildKey(Record{Scheme: "https", IP: "1.2.3.4"}))
	require.Equal(t, "proxy_None:None:None:None", BuildKey(Record{}))
}

func TestBuildPattern(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		crit Criteria
		want string
	}{
		{"empty", Criteria{}, "proxy_*:*:*:*"},
		{"scheme only", Criteria{"scheme": "https"}, "proxy_*:https:*:*"},
		{"empty values are wildcards", Criteria{"anonymity": "", "port": "80"}, "proxy_*:*:*:80"},
		{"full", Criteria{"anonymity": "low", "scheme": "http", "ip": "1.1.1.1", "port": "3128"}, "proxy_low:http:1.1.1.1:3128"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, BuildPattern(tc.crit))
		})
	}
}

func TestIsValidFormat(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		rec  Record
		want bool
	}{
		{"upper-case scheme", Record{Scheme: "HTTP", IP: "1.2.3.4", Port: "8080"}, true},
		{"https", Record{Scheme: "https", IP: "10.0.0.1", Port: "443"}, true},
		{"octets unchecked", Record{Scheme: "http", IP: "999.999.999.999", Port: "99999"}, true},
		{"empty ip", Record{Scheme: "http", IP: "", Port: "80"}, false},
		{"empty port", Record{Scheme: "http", IP: "1.2.3.4", Port: ""}, false},
		{"empty scheme", Record{IP: "1.2.3.4", Port: "80"}, false},
		{"ftp scheme", Record{Scheme: "ftp", IP: "1.2.3.4", Port: "21"}, false},
		{"three octets", Record{Scheme: "http", IP: "1.2.3", Port: "80"}, false},
		{"alpha port", Record{Scheme: "http", IP: "1.2.3.4", Port: "80a"}, false},
		{"hostname", Record{Scheme: "http", IP: "example.com", Port: "80"}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsValidFormat(tc.rec))
		})
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()

	now := time.Unix(10_000, 0)
	require.False(t, IsStale(9_400, 10*time.Minute, now))
	require.True(t, IsStale(9_399, 10*time.Minute, now))
	require.True(t, IsStale(0, time.Hour, now))
}

func TestRecordNormalize(t *testing.T) {
	t.Parallel()

	rec := Record{Anonymity: " high ", Scheme: " HTTPS", IP: "1.2.3.4 ", Port: " 443"}.Normalize()
	require.Equal(t, Record{Anonymity: "high", Scheme: "https", IP: "1.2.3.4", Port: "443"}, rec)
	require.Equal(t, "https://1.2.3.4:443", rec.URL())
}

func TestBuildKeyCollisionFree(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	records := randomRecords(rng, 200)
	for _, a := range records {
		for _, b := range records {
			sameTuple := a.Anonymity == b.Anonymity && a.Scheme == b.Scheme && a.IP == b.IP && a.Port == b.Port
			require.Equal(t, sameTuple, BuildKey(a) == BuildKey(b), "a=%+v b=%+v", a, b)
		}
	}
}

func TestBuildPatternMatchesExactlyTheSpecifiedAttributes(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	records := randomRecords(rng, 100)
	criteria := []Criteria{
		{},
		{"scheme": "http"},
		{"anonymity": "high", "scheme": "https"},
		{"ip": records[0].IP},
		{"ip": records[1].IP, "port": records[1].Port},
		{"anonymity": records[2].Anonymity, "scheme": records[2].Scheme, "ip": records[2].IP, "port": records[2].Port},
	}
	for _, crit := range criteria {
		g := glob.MustCompile(BuildPattern(crit))
		for _, rec := range records {
			want := (crit["anonymity"] == "" || crit["anonymity"] == rec.Anonymity) &&
				(crit["scheme"] == "" || crit["scheme"] == rec.Scheme) &&
				(crit["ip"] == "" || crit["ip"] == rec.IP) &&
				(crit["port"] == "" || crit["port"] == rec.Port)
			require.Equal(t, want, g.Match(BuildKey(rec)), "crit=%v rec=%+v", crit, rec)
		}
	}
}

func FuzzIsValidFormat(f *testing.F) {
	f.Add("http", "1.2.3.4", "80")
	f.Add("HTTPS", "1.2.3", "80a")
	f.Fuzz(func(t *testing.T, scheme, ip, port string) {
		rec := Record{Scheme: scheme, IP: ip, Port: port}
		if IsValidFormat(rec) && (ip == "" || port == "") {
			t.Fatalf("accepted record with empty fields: %+v", rec)
		}
	})
}

func randomRecords(rng *rand.Rand, n int) []Record {
	anonymities := []string{"high", "low", "transparent"}
	schemes := []string{"http", "https"}
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Record{
			Anonymity: anonymities[rng.Intn(len(anonymities))],
			Scheme:    schemes[rng.Intn(len(schemes))],
			IP:        fmt.Sprintf("10.0.%d.%d", rng.Intn(3), rng.Intn(4)),
			Port:      fmt.Sprintf("%d", 80+rng.Intn(3)),
		})
	}
	return out
}
