package httpapi

import (
	"html/template"
	"net/http"
)

var statusPage = template.Must(template.New("status").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta http-equiv="refresh" content="2">
  <title>replica {{.ID}}</title>
  <style>
    body { font-family: monospace; margin: 24px; color: #1f1b16; background: #f9f4ec; }
    table { border-collapse: collapse; }
    td { border: 1px solid #e1d4c2; padding: 4px 12px; }
    .leader { color: #2b6f6d; font-weight: bold; }
  </style>
</head>
<body>
  <h1>replica {{.ID}} <span class="{{.Role}}">{{.Role}}</span></h1>
  <table>
    <tr><td>term</td><td>{{.Term}}</td></tr>
    <tr><td>voted for</td><td>{{.VotedFor}}</td></tr>
    <tr><td>log length</td><td>{{.LogLength}}</td></tr>
    <tr><td>commit index</td><td>{{.CommitIndex}}</td></tr>
    <tr><td>last applied</td><td>{{.LastApplied}}</td></tr>
    <tr><td>leader</td><td>{{.LeaderHint.LeaderID}} {{.LeaderHint.DBAddr}}</td></tr>
    <tr><td>peers</td><td>{{range .Peers}}{{.}} {{end}}</td></tr>
  </table>
</body>
</html>
`))

// handleUI renders the replica status as a self-refreshing page.
func handleUI(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := statusPage.Execute(w, s.dkv.Status()); err != nil {
			s.logger.WithError(err).Warn("render status page")
		}
	}
}
