package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"pastel/cfg"
	"pastel/pkg/domain"
	"pastel/svc/auth"
	"pastel/svc/svc"
	"pastel/svc/util"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

const (
	maxTitleLen    = 256
	maxLanguageLen = 64
	maxQueryLen    = 2048
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Language   *string `json:"language"`
	Visibility string  `json:"visibility"`
}

// optString tells an absent field apart from an explicit null.
type optString struct {
	set   bool
	value *string
}

func (o *optString) UnmarshalJSON(b []byte) error {
	o.set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	o.value = &s
	return nil
}

type UpdateReq struct {
	Title      optString `json:"title"`
	Content    optString `json:"content"`
	Language   optString `json:"language"`
	Visibility optString `json:"visibility"`
	OwnerEmail optString `json:"owner_email"`
}

type SearchReq struct {
	Query string `json:"query"`
}

type ReindexResp struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// PasteResp is the wire form of a paste: absent owner and language are null,
// timestamps are unix milliseconds.
type PasteResp struct {
	ID         string  `json:"id"`
	OwnerEmail *string `json:"owner_email"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Language   *string `json:"language"`
	Visibility string  `json:"visibility"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

func toResp(p *domain.Paste) PasteResp {
	r := PasteResp{
		ID:         p.ID,
		Title:      p.Title,
		Content:    p.Content,
		Visibility: string(p.Visibility),
		CreatedAt:  p.CreatedAt.UnixMilli(),
		UpdatedAt:  p.UpdatedAt.UnixMilli(),
	}
	if p.Owner != "" {
		owner := p.Owner
		r.OwnerEmail = &owner
	}
	if p.Language != "" {
		lang := p.Language
		r.Language = &lang
	}
	return r
}

func toRespList(ps []*domain.Paste) []PasteResp {
	out := make([]PasteResp, len(ps))
	for i, p := range ps {
		out[i] = toResp(p)
	}
	return out
}

// decodeJSON enforces a JSON content type and a body size limit before
// decoding into v.
func (h *Hdl) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return errors.Wrap(domain.ErrInvalidRequest, "expected Content-Type: application/json")
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		return errors.Wrap(domain.ErrInvalidRequest, "compressed bodies are not accepted")
	}
	limit := h.cfg.MaxPasteSize * 2
	if r.ContentLength > limit {
		return domain.ErrPasteTooLarge
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.ErrPasteTooLarge
		}
		if err == io.EOF {
			return errors.Wrap(domain.ErrInvalidRequest, "empty request body")
		}
		return errors.Wrap(domain.ErrInvalidRequest, err.Error())
	}
	return nil
}

func (h *Hdl) checkContent(content string) error {
	if int64(len(content)) > h.cfg.MaxPasteSize {
		return domain.ErrPasteTooLarge
	}
	if !utf8.ValidString(content) {
		return domain.NewValidationErr("content must be valid UTF-8")
	}
	return nil
}

// cleanLabel NFC-normalizes short user-supplied labels and strips control characters.
func cleanLabel(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == utf8.RuneError || r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func checkLabel(name, v string, max int) error {
	if utf8.RuneCountInString(v) > max {
		return domain.NewValidationErr(fmt.Sprintf("%s must be at most %d characters", name, max))
	}
	return nil
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req CreateReq
	if err := h.decodeJSON(w, r, &req); err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("invalid create request")
		writeErr(w, err, requestID)
		return
	}
	if err := h.checkContent(req.Content); err != nil {
		writeErr(w, err, requestID)
		return
	}
	f := domain.Fields{
		Title:      cleanLabel(req.Title),
		Content:    req.Content,
		Visibility: domain.Visibility(req.Visibility),
	}
	if req.Language != nil {
		f.Language = cleanLabel(*req.Language)
	}
	if err := checkLabel("title", f.Title, maxTitleLen); err != nil {
		writeErr(w, err, requestID)
		return
	}
	if err := checkLabel("language", f.Language, maxLanguageLen); err != nil {
		writeErr(w, err, requestID)
		return
	}

	paste, err := h.paste.Create(r.Context(), util.GetIdentity(r.Context()), f)
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("failed to create paste")
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusCreated, toResp(paste))
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	paste, err := h.paste.Get(r.Context(), util.GetIdentity(r.Context()), id)
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Str("paste_id", id).Msg("get failed")
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, toResp(paste))
}

func (h *Hdl) UpdatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	var req UpdateReq
	if err := h.decodeJSON(w, r, &req); err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("invalid update request")
		writeErr(w, err, requestID)
		return
	}
	patch, err := h.buildPatch(req)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	paste, err := h.paste.Update(r.Context(), util.GetIdentity(r.Context()), id, patch)
	if err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("update failed")
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, toResp(paste))
}

// buildPatch maps a partial update body onto a domain.Patch. Title, content
// and visibility may be omitted but not null; language and owner_email
// accept null to clear.
func (h *Hdl) buildPatch(req UpdateReq) (domain.Patch, error) {
	var patch domain.Patch
	if req.Title.set {
		if req.Title.value == nil {
			return patch, domain.NewValidationErr("title cannot be null")
		}
		t := cleanLabel(*req.Title.value)
		if err := checkLabel("title", t, maxTitleLen); err != nil {
			return patch, err
		}
		patch.Title = &t
	}
	if req.Content.set {
		if req.Content.value == nil {
			return patch, domain.NewValidationErr("content cannot be null")
		}
		if err := h.checkContent(*req.Content.value); err != nil {
			return patch, err
		}
		patch.Content = req.Content.value
	}
	if req.Visibility.set {
		if req.Visibility.value == nil {
			return patch, domain.NewValidationErr("visibility cannot be null")
		}
		v := domain.Visibility(*req.Visibility.value)
		patch.Visibility = &v
	}
	if req.Language.set {
		lang := ""
		if req.Language.value != nil {
			lang = cleanLabel(*req.Language.value)
		}
		if err := checkLabel("language", lang, maxLanguageLen); err != nil {
			return patch, err
		}
		patch.Language = &lang
	}
	if req.OwnerEmail.set {
		owner := ""
		if req.OwnerEmail.value != nil {
			owner = strings.TrimSpace(*req.OwnerEmail.value)
			if !auth.ValidEmail(owner) {
				return patch, domain.NewValidationErr("owner_email must be a valid email address")
			}
		}
		patch.Owner = &owner
	}
	return patch, nil
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.paste.Delete(r.Context(), util.GetIdentity(r.Context()), id); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("paste_id", id).Msg("delete failed")
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hdl) MyPastes(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	pastes, err := h.paste.MyPastes(r.Context(), util.GetIdentity(r.Context()))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, toRespList(pastes))
}

func (h *Hdl) PublicPastes(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	pastes, err := h.paste.PublicPastes(r.Context())
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, toRespList(pastes))
}

func (h *Hdl) Search(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req SearchReq
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeErr(w, errors.Wrap(domain.ErrInvalidQuery, err.Error()), requestID)
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" || utf8.RuneCountInString(query) > maxQueryLen {
		writeErr(w, domain.ErrInvalidQuery, requestID)
		return
	}
	results, err := h.paste.Search(r.Context(), util.GetIdentity(r.Context()), query)
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("search failed")
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, toRespList(results))
}

func (h *Hdl) ReindexAll(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	n, err := h.paste.ReindexAll(r.Context())
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusAccepted, ReindexResp{
		Message: fmt.Sprintf("Re-indexing started for %d pastes. This will happen in the background.", n),
		Count:   n,
	})
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 && statusCode != http.StatusBadGateway && statusCode != http.StatusServiceUnavailable {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	writeJSON(w, statusCode, map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}
