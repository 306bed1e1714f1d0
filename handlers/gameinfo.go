package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mapleleafu/tabletop/tabletop-backend/middleware"
	"github.com/mapleleafu/tabletop/tabletop-backend/models"
	"github.com/mapleleafu/tabletop/tabletop-backend/repository"
	"github.com/mapleleafu/tabletop/tabletop-backend/responses"
	"github.com/mapleleafu/tabletop/tabletop-backend/utils"
)

type GameEntities struct {
	Game     int             `json:"game"`
	Entities []models.Entity `json:"entities"`
}

// FetchGameEntities returns the current state of a game, including updates
// still buffered in the queue.
func (h *Handler) FetchGameEntities(w http.ResponseWriter, r *http.Request) {
	game, err := strconv.Atoi(mux.Vars(r)["game"])
	if err != nil {
		utils.HandleError(w, responses.BadRequestError{Msg: "Game id must be an integer."})
		return
	}

	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok && !claims.AllowsGame(game) {
		utils.HandleError(w, responses.ForbiddenError{Msg: "You do not have access to this game."})
		return
	}

	if err := h.queue.Sync(r.Context()); err != nil {
		h.logger.Printf("http: flush before reading game %d failed: %v", game, err)
		utils.HandleError(w, responses.ServiceUnavailableError{Msg: "Game state is temporarily unavailable."})
		return
	}

	records, err := repository.LoadGame(r.Context(), h.store, game)
	if err != nil {
		h.logger.Printf("http: loading game %d failed: %v", game, err)
		utils.HandleError(w, responses.InternalServerError{Msg: "Failed to fetch game entities."})
		return
	}

	entities, err := h.codec.DecodeAll(r.Context(), records)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.logger.Printf("http: skipped undecodable entities of game %d: %v", game, err)
	}
	if entities == nil {
		entities = []models.Entity{}
	}

	utils.HandleSuccess(w, models.SuccessResponse(GameEntities{Game: game, Entities: entities}))
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	utils.HandleSuccess(w, models.SuccessResponse(map[string]any{
		"status":   "ok",
		"buffered": h.queue.Len(),
	}))
}
