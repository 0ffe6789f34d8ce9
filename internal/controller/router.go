package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

func (c *controller) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(c.requestId)
	r.Use(middleware.Recoverer)

	// Browser clients come from arbitrary origins; rooms are guarded by
	// knowledge of the room code, not by origin.
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Range"},
		ExposedHeaders: []string{"Content-Range", "Accept-Ranges", "Content-Length"},
	}).Handler)

	r.Get("/ws", c.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/search-torrents", c.handleSearchTorrents)

		r.Route("/torrent", func(r chi.Router) {
			r.Post("/add", c.handleTorrentAdd)
			r.Get("/status/{jobId}", c.handleTorrentStatus)
			r.Get("/stream/{jobId}/{fileIndex}", c.handleTorrentStream)
		})

		r.Get("/stats", c.handleStats)
		r.Get("/health", c.handleHealth)
	})

	return r
}
