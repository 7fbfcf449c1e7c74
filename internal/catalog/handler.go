// internal/catalog/handler.go
package catalog

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"gatorlibrary/internal/index"
	"gatorlibrary/internal/reservation"
)

const requestIDHeader = "X-Request-ID"

type Handler struct {
	service Service
	limiter *rate.Limiter
}

// NewHandler wraps service in the HTTP API. A nil limiter disables rate
// limiting of the mutating routes.
func NewHandler(service Service, limiter *rate.Limiter) *Handler {
	return &Handler{service: service, limiter: limiter}
}

// Routes returns the router serving the catalog API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Get("/stats/color-flips", h.handleColorFlips)

	r.Route("/books", func(r chi.Router) {
		r.Get("/", h.handleListBooks)
		r.Get("/nearest", h.handleFindNearest)
		r.Get("/{id}", h.handleGetBook)
		r.Get("/{id}/reservations", h.handleReservations)

		r.Group(func(r chi.Router) {
			r.Use(h.rateLimit)
			r.Post("/", h.handleAddBook)
			r.Delete("/{id}", h.handleDeleteBook)
			r.Post("/{id}/borrow", h.handleBorrow)
			r.Post("/{id}/return", h.handleReturn)
		})
	})
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BorrowRequest is the body of POST /books/{id}/borrow. A zero priority means low.
type BorrowRequest struct {
	PatronID index.PatronID `json:"patron_id"`
	Priority int            `json:"priority,omitempty"`
}

// BorrowResponse reports the result of a borrow.
type BorrowResponse struct {
	Result string `json:"result"`
	Book   *Book  `json:"book,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ReturnRequest is the body of POST /books/{id}/return.
type ReturnRequest struct {
	PatronID index.PatronID `json:"patron_id"`
}

// ReturnResponse reports the result of a return.
type ReturnResponse struct {
	Result       string          `json:"result"`
	NextPatronID *index.PatronID `json:"next_patron_id,omitempty"`
	Book         *Book           `json:"book,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// AddBookRequest is the body of POST /books. A zero id asks the service to pick one.
type AddBookRequest struct {
	ID     index.BookID `json:"id,omitempty"`
	Title  string       `json:"title"`
	Author string       `json:"author"`
}

// DeleteResponse lists the patrons whose reservations were dropped.
type DeleteResponse struct {
	Cancelled []index.PatronID `json:"cancelled_reservations"`
	Error     string           `json:"error,omitempty"`
}

// ColorFlipsResponse carries the color flip counter.
type ColorFlipsResponse struct {
	Count uint64 `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleAddBook(w http.ResponseWriter, r *http.Request) {
	var req AddBookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	book, err := h.service.AddBook(r.Context(), req.ID, req.Title, req.Author)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (h *Handler) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) handleFindNearest(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("target")
	if raw == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing target"))
		return
	}
	target, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("target must be an integer"))
		return
	}

	book, err := h.service.FindNearest(r.Context(), index.BookID(target))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	cancelled, err := h.service.DeleteBook(r.Context(), id)
	resp := DeleteResponse{Cancelled: cancelled}
	if resp.Cancelled == nil {
		resp.Cancelled = []index.PatronID{}
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleBorrow(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	var req BorrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	priority := reservation.Priority(req.Priority)
	if req.Priority == 0 {
		priority = reservation.PriorityLow
	}

	out, err := h.service.Borrow(r.Context(), req.PatronID, id, priority)
	if err != nil && !errors.Is(err, ErrPersistence) {
		writeError(w, statusFor(err), err)
		return
	}

	resp := BorrowResponse{Result: out.Result.String(), Book: out.Book}
	status := http.StatusOK
	switch out.Result {
	case index.BorrowNotFound:
		resp.Error = ErrNotFound.Error()
		status = http.StatusNotFound
	case index.QueueFull:
		resp.Error = ErrQueueFull.Error()
		status = http.StatusConflict
	case index.QueuedForReservation:
		status = http.StatusAccepted
	}
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	var req ReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	out, err := h.service.Return(r.Context(), req.PatronID, id)
	if err != nil && !errors.Is(err, ErrPersistence) {
		writeError(w, statusFor(err), err)
		return
	}

	resp := ReturnResponse{Result: out.Outcome.String(), Book: out.Book}
	status := http.StatusOK
	switch out.Outcome {
	case index.ReturnNotFound:
		resp.Error = ErrNotFound.Error()
		status = http.StatusNotFound
	case index.NotBorrowedByPatron:
		resp.Error = ErrNotBorrowed.Error()
		status = http.StatusConflict
	case index.ReturnedAndReallocated:
		next := out.NextPatron
		resp.NextPatronID = &next
	}
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleReservations(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	reservations, err := h.service.Reservations(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, reservations)
}

func (h *Handler) handleColorFlips(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ColorFlipsResponse{Count: h.service.ColorFlips(r.Context())})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Validate(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "corrupt", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func bookID(w http.ResponseWriter, r *http.Request) (index.BookID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, ErrInvalidID)
		return 0, false
	}
	return index.BookID(id), true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateID), errors.Is(err, ErrQueueFull), errors.Is(err, ErrNotBorrowed):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrInvalidPatron), errors.Is(err, ErrInvalidPriority),
		errors.Is(err, ErrEmptyTitle), errors.Is(err, ErrEmptyAuthor):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
