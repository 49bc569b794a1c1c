package httpapi

import (
	"bytes"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/modmail/internal/modmail"
)

// logViewerTemplate renders one log. Notes and internal messages are shown
// to staff in a muted style; system messages are hidden like in the thread
// transcript.
var logViewerTemplate = template.Must(template.New("log").Funcs(template.FuncMap{
	"stamp": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04 UTC") },
	"kind":  messageClass,
	"name":  authorName,
	"lines": func(s string) []string { return strings.Split(s, "\n") },
}).Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Modmail log {{.Key}}</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }

    .bar {
      background: linear-gradient(140deg, #fffefc, #fcf6eb);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: clamp(1.2rem, 2vw, 1.75rem); letter-spacing: 0.02em; }

    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .feed { margin: 0; padding: 0; list-style: none; display: grid; gap: 8px; }

    .feed li {
      border: 1px solid #e3d9c4;
      border-left: 5px solid var(--accent);
      border-radius: 10px;
      padding: 9px 10px;
      background: var(--card);
      font-size: 0.9rem;
      line-height: 1.4;
    }

    .feed li.recipient { border-left-color: var(--accent-2); }
    .feed li.note { border-left-color: #7c9b9a; background: #f4f1ea; color: var(--muted); }
    .feed li.anonymous { border-left-color: var(--danger); }

    .meta { font-size: 0.74rem; color: var(--muted); margin-bottom: 4px; }
    .mono { font-family: "IBM Plex Mono", "SFMono-Regular", Menlo, Consolas, monospace; }
    .attachments a { display: block; font-size: 0.8rem; color: var(--accent); }
  </style>
</head>
<body>
  <div class="shell">
    <section class="bar">
      <h1>{{name .Recipient}}</h1>
      <div class="sub mono">log {{.Key}} · recipient {{.Recipient.ID}}</div>
      <div class="sub">opened {{stamp .CreatedAt}}{{if .ClosedAt}} · closed {{stamp .ClosedAt}}{{if .Closer}} by {{name .Closer}}{{end}}{{else}} · open{{end}}</div>
      {{if .CloseMessage}}<div class="sub">{{.CloseMessage}}</div>{{end}}
    </section>
    <ul class="feed">
      {{range .Messages}}{{if ne .Type "system"}}
      <li class="{{kind .}}">
        <div class="meta">{{name .Author}} · {{stamp .Timestamp}}{{if .Edited}} · edited{{end}}{{if .Type.IsNote}} · note{{end}}</div>
        {{range lines .Content}}<div>{{.}}</div>{{end}}
        {{if .Attachments}}<div class="attachments">{{range .Attachments}}<a href="{{.URL}}">{{.Filename}}</a>{{end}}</div>{{end}}
      </li>
      {{end}}{{end}}
    </ul>
  </div>
</body>
</html>`))

func authorName(a any) string {
	var author modmail.LogAuthor
	switch v := a.(type) {
	case modmail.LogAuthor:
		author = v
	case *modmail.LogAuthor:
		if v == nil {
			return ""
		}
		author = *v
	default:
		return ""
	}
	if author.Discriminator != "" && author.Discriminator != "0" {
		return author.Name + "#" + author.Discriminator
	}
	return author.Name
}

func messageClass(m modmail.ThreadMessage) string {
	switch {
	case m.Type.IsNote() || m.Type == modmail.MessageTypeInternal:
		return "note"
	case m.Type == modmail.MessageTypeAnonymous:
		return "anonymous"
	case !m.Author.Mod:
		return "recipient"
	default:
		return "staff"
	}
}

func (s *Server) handleLogViewer(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	entry, err := s.registry.Logs().GetEntry(r.Context(), key)
	if err != nil {
		if errors.Is(err, modmail.ErrNotFound) {
			http.Error(w, "log not found", http.StatusNotFound)
			return
		}
		s.logger.Warn("log_view_failed", zap.String("key", key), zap.Error(err))
		http.Error(w, "failed to load log", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := logViewerTemplate.Execute(&buf, entry); err != nil {
		s.logger.Warn("log_render_failed", zap.String("key", key), zap.Error(err))
		http.Error(w, "failed to render log", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}
