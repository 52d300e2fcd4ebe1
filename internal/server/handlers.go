package server

import (
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/Sumatoshi-tech/rdlserve/pkg/render"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

// Query parameters understood by the report route.
const (
	paramFile = "file"
	paramType = "type"
)

const htmlContentType = "text/html; charset=utf-8"

func (s *Server) handleReport(rw http.ResponseWriter, hr *http.Request) {
	if hr.Method != http.MethodGet && hr.Method != http.MethodHead {
		http.Error(rw, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	params, err := report.ParseQuery(hr.URL.RawQuery)
	if err != nil {
		http.Error(rw, "Invalid query", http.StatusBadRequest)

		return
	}

	formatName, _ := params.Get(paramType)
	if formatName == "" {
		formatName = string(s.opts.DefaultFormat)
	}

	format, err := report.ParseFormat(formatName)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)

		return
	}

	file, _ := params.Get(paramFile)

	sessionID, err := s.session(rw, hr)
	if err != nil {
		s.deps.Logger.ErrorContext(hr.Context(), "session id", "error", err)
		http.Error(rw, "Session unavailable", http.StatusInternalServerError)

		return
	}

	res := s.deps.Renderer.Render(hr.Context(), render.Request{
		Key:       report.SourceKey{Path: cleanPath(file)},
		Format:    format,
		Params:    params,
		NoShow:    params.Has(render.NoShowParam),
		SessionID: sessionID,
		Password:  s.opts.Password,
	})

	s.writeResult(rw, hr, res)
}

func (s *Server) handleStatistics(rw http.ResponseWriter, hr *http.Request) {
	if hr.Method != http.MethodGet && hr.Method != http.MethodHead {
		http.Error(rw, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	res := s.deps.Renderer.Render(hr.Context(), render.Request{
		Key:    report.SourceKey{Path: render.StatisticsKey},
		Format: report.FormatHTML,
	})

	s.writeResult(rw, hr, res)
}

func (s *Server) handleShowFile(rw http.ResponseWriter, hr *http.Request) {
	if hr.Method != http.MethodGet && hr.Method != http.MethodHead {
		http.Error(rw, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	name := hr.URL.Query().Get(paramType)

	cookie, err := hr.Cookie(s.opts.CookieName)
	if name == "" || err != nil {
		http.NotFound(rw, hr)

		return
	}

	data, ok := s.deps.Sessions.Get(cookie.Value, name)
	if !ok {
		http.NotFound(rw, hr)

		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	rw.Header().Set("Content-Type", contentType)
	rw.Header().Set("Content-Length", strconv.Itoa(len(data)))
	rw.Header().Set("Cache-Control", "private, no-store")
	rw.WriteHeader(http.StatusOK)

	if hr.Method == http.MethodGet {
		s.write(hr, rw, data)
	}
}

// session returns the caller's session id, issuing a new cookie when absent.
func (s *Server) session(rw http.ResponseWriter, hr *http.Request) (string, error) {
	cookie, err := hr.Cookie(s.opts.CookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}

	http.SetCookie(rw, &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    id.String(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id.String(), nil
}

// writeResult sends HTML results as a full page and other formats as a
// download. A failed binary render falls back to the HTML error page.
func (s *Server) writeResult(rw http.ResponseWriter, hr *http.Request, res *render.Result) {
	status := statusFor(res)

	if res.Format != report.FormatHTML && len(res.Main) > 0 {
		filename := path.Base(strings.TrimSuffix(res.Key.Path, path.Ext(res.Key.Path))) + "." + res.Format.Extension()

		rw.Header().Set("Content-Type", res.Format.MIMEType())
		rw.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
		rw.Header().Set("Content-Length", strconv.Itoa(len(res.Main)))
		rw.WriteHeader(status)

		if hr.Method == http.MethodGet {
			s.write(hr, rw, res.Main)
		}

		return
	}

	page, err := render.Page(res)
	if err != nil {
		s.deps.Logger.ErrorContext(hr.Context(), "render page", "error", err)
		http.Error(rw, "Internal error", http.StatusInternalServerError)

		return
	}

	rw.Header().Set("Content-Type", htmlContentType)
	rw.WriteHeader(status)

	if hr.Method == http.MethodGet {
		s.write(hr, rw, page)
	}
}

func (s *Server) write(hr *http.Request, rw http.ResponseWriter, data []byte) {
	_, err := rw.Write(data)
	if err != nil {
		s.deps.Logger.DebugContext(hr.Context(), "write response", "error", err)
	}
}

// statusFor maps the first fatal diagnostic to an HTTP status.
func statusFor(res *render.Result) int {
	if !res.Failed() {
		return http.StatusOK
	}

	for _, e := range res.Errors.Items() {
		if !e.IsFatal() {
			continue
		}

		switch e.Kind {
		case report.KindConfiguration:
			return http.StatusBadRequest
		case report.KindSourceNotFound:
			return http.StatusNotFound
		case report.KindParse, report.KindFatalParse:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusInternalServerError
		}
	}

	return http.StatusInternalServerError
}

// cleanPath normalizes a client-supplied report path so it cannot climb
// above the report root.
func cleanPath(p string) string {
	if p == "" {
		return ""
	}

	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
