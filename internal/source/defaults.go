package source

// Pool anonymity labels.
const (
	AnonymityHigh        = "high"
	AnonymityAnonymous   = "anonymous"
	AnonymityTransparent = "transparent"
)

var cnAnonymity = map[string]string{
	"高匿":    AnonymityHigh,
	"高匿名":   AnonymityHigh,
	"高匿代理IP": AnonymityHigh,
	"普匿":    AnonymityAnonymous,
	"匿名":    AnonymityAnonymous,
	"透明":    AnonymityTransparent,
	"透明代理IP": AnonymityTransparent,
}

// DefaultTables returns the built-in harvesting sources used when none are configured.
func DefaultTables() []TableConfig {
	return []TableConfig{
		{
			Name: "xicidaili",
			URLs: []string{
				"http://www.xicidaili.com/nn/1",
				"http://www.xicidaili.com/nt/1",
			},
			RowSelector: "table#ip_list tr",
			Columns:     Columns{IP: 1, Port: 2, Anonymity: 4, Scheme: 5},
			Anonymity:   cnAnonymity,
		},
		{
			Name: "kuaidaili",
			URLs: []string{
				"https://www.kuaidaili.com/free/inha/1/",
				"https://www.kuaidaili.com/free/intr/1/",
			},
			RowSelector: "#list table tbody tr",
			Columns:     Columns{IP: 0, Port: 1, Anonymity: 2, Scheme: 3},
			Anonymity:   cnAnonymity,
		},
		{
			Name: "yundaili",
			URLs: []string{
				"http://www.ip3366.net/free/?stype=1",
				"http://www.ip3366.net/free/?stype=2",
			},
			RowSelector: "#list table tbody tr",
			Columns:     Columns{IP: 0, Port: 1, Anonymity: 2, Scheme: 3},
			Anonymity:   cnAnonymity,
		},
	}
}
