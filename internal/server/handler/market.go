package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// maxPriceAssets caps the ids accepted by one /api/prices request.
const maxPriceAssets = 100

// MarketHandler serves the Redis mirror of books and last traded prices.
// The mirror is shared by every marketsync process, so it covers books run
// by other instances too. Either source may be nil.
type MarketHandler struct {
	books  domain.OrderbookCache
	prices domain.PriceCache
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(books domain.OrderbookCache, prices domain.PriceCache, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{books: books, prices: prices, logger: logger.With(slog.String("handler", "market"))}
}

// GetMirror returns the mirrored book of an asset.
// GET /api/mirror/{asset}
func (h *MarketHandler) GetMirror(w http.ResponseWriter, r *http.Request) {
	if h.books == nil {
		writeError(w, http.StatusServiceUnavailable, "book mirror not configured")
		return
	}
	asset := r.PathValue("asset")
	snap, err := h.books.GetSnapshot(r.Context(), asset)
	if err != nil {
		h.cacheError(w, "mirror", asset, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetBBO returns the mirrored best bid and ask of an asset.
// GET /api/mirror/{asset}/bbo
func (h *MarketHandler) GetBBO(w http.ResponseWriter, r *http.Request) {
	if h.books == nil {
		writeError(w, http.StatusServiceUnavailable, "book mirror not configured")
		return
	}
	asset := r.PathValue("asset")
	bid, ask, err := h.books.GetBBO(r.Context(), asset)
	if err != nil {
		h.cacheError(w, "bbo", asset, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset_id": asset,
		"best_bid": bid,
		"best_ask": ask,
	})
}

// GetPrice returns the last traded price of an asset.
// GET /api/prices/{asset}
func (h *MarketHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		writeError(w, http.StatusServiceUnavailable, "price cache not configured")
		return
	}
	asset := r.PathValue("asset")
	price, ts, err := h.prices.GetPrice(r.Context(), asset)
	if err != nil {
		h.cacheError(w, "price", asset, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset_id":  asset,
		"price":     price,
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
	})
}

// ListPrices returns the last traded prices of several assets. Unknown
// assets are left out.
// GET /api/prices?assets=a,b,c
func (h *MarketHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		writeError(w, http.StatusServiceUnavailable, "price cache not configured")
		return
	}
	var assets []string
	for _, a := range strings.Split(r.URL.Query().Get("assets"), ",") {
		if a = strings.TrimSpace(a); a != "" {
			assets = append(assets, a)
		}
	}
	if len(assets) == 0 {
		writeError(w, http.StatusBadRequest, "assets is required")
		return
	}
	if len(assets) > maxPriceAssets {
		writeError(w, http.StatusBadRequest, "too many assets")
		return
	}
	prices, err := h.prices.GetPrices(r.Context(), assets)
	if err != nil {
		h.logger.Error("list prices failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list prices")
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

func (h *MarketHandler) cacheError(w http.ResponseWriter, what, asset string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	h.logger.Error("cache read failed",
		slog.String("kind", what),
		slog.String("asset", asset),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "failed to read "+what)
}
