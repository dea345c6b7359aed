package server

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

// Встроенный дашборд вивария: расписания, ручной запуск, история кормлений.
//
//go:embed webui/*
var uiFS embed.FS

// RegisterWebUI вешает статику дашборда на prefix (по умолчанию /ui/).
func (a *App) RegisterWebUI(prefix string) {
	if prefix == "" {
		prefix = "/ui/"
	}
	base := strings.TrimSuffix(prefix, "/")
	slash := base + "/"

	sub, err := fs.Sub(uiFS, "webui")
	if err != nil {
		// webui/ не вкомпилирован — дальше работать бессмысленно
		panic(err)
	}

	// /ui -> /ui/, иначе FileServer зацикливает 301
	a.Router.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, slash, http.StatusFound)
	}).Methods(http.MethodGet)

	// index.html отдаём руками, минуя FileServer
	a.Router.HandleFunc(slash, func(w http.ResponseWriter, r *http.Request) {
		b, err := fs.ReadFile(sub, "index.html")
		if err != nil {
			http.Error(w, "feeder dashboard not embedded, rebuild with server/webui/ in place",
				http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	}).Methods(http.MethodGet)

	// остальная статика дашборда
	a.Router.PathPrefix(slash).Handler(http.StripPrefix(slash, http.FileServer(http.FS(sub))))

	// корень ведём на дашборд
	a.Router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, slash, http.StatusFound)
	})
}
