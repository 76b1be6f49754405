package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"manga_ranker/models"
	"manga_ranker/services"
)

type popularResponse struct {
	Category models.Category       `json:"category"`
	Count    int                   `json:"count"`
	Offset   int                   `json:"offset"`
	Items    []models.CatalogEntry `json:"items"`
}

// GetManga returns one catalog entry by id
func GetManga(svc *services.CatalogService, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
		if err != nil || id <= 0 {
			BadRequest(w, "INVALID_ID", "id must be a positive integer")
			return
		}
		entry, err := svc.Get(r.Context(), id)
		if err != nil {
			log.Error().Err(err).Int64("id", id).Msg("get manga")
			Internal(w)
			return
		}
		if entry == nil {
			NotFound(w, "NOT_FOUND", "manga not found")
			return
		}
		WriteJSON(w, http.StatusOK, entry)
	}
}

// GetPopular lists entries of a category by rating
func GetPopular(svc *services.CatalogService, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		category := models.Category(strings.TrimSpace(chi.URLParam(r, "category")))
		q := r.URL.Query()
		count, offset := services.ParsePage(q.Get("count"), q.Get("offset"))

		items, err := svc.Popular(r.Context(), category, count, offset)
		if errors.Is(err, services.ErrUnknownCategory) {
			NotFound(w, "UNKNOWN_CATEGORY", "unknown category")
			return
		}
		if err != nil {
			log.Error().Err(err).Str("category", string(category)).Msg("list popular")
			Internal(w)
			return
		}
		WriteJSON(w, http.StatusOK, popularResponse{Category: category, Count: count, Offset: offset, Items: items})
	}
}

func GetCategories(svc *services.CatalogService, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cats, err := svc.Categories(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("list categories")
			Internal(w)
			return
		}
		WriteJSON(w, http.StatusOK, cats)
	}
}
