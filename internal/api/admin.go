package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/autorag/autorag/internal/corpus"
	"github.com/autorag/autorag/internal/generate"
	"github.com/autorag/autorag/internal/prompt"
)

// maxCorpusBytes caps corpus uploads. A persona message log measured in
// tens of megabytes is a mistake, not a corpus.
const maxCorpusBytes = 32 << 20

type adminHandler struct {
	builder    Rebuilder
	users      UserStore
	templates  TemplateStore
	selector   *generate.Selector
	registry   *generate.Registry
	corpusPath string
	logger     *slog.Logger
}

// uploadCorpus replaces the corpus and rebuilds the index. The prior
// index keeps serving until the swap succeeds, and the corpus file on
// disk is replaced only after a successful build so a bad upload can
// never poison the next startup.
func (h *adminHandler) uploadCorpus(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCorpusBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_failed", "reading request body failed")
		return
	}
	if len(body) > maxCorpusBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "corpus_too_large", "corpus exceeds the upload limit")
		return
	}

	report, err := h.builder.Build(r.Context(), string(body))
	if err != nil {
		if errors.Is(err, corpus.ErrEmptyCorpus) {
			writeError(w, http.StatusBadRequest, "empty_corpus", "corpus contains no usable text")
			return
		}
		h.logger.Error("corpus rebuild failed", "error", err)
		writeError(w, http.StatusInternalServerError, "rebuild_failed", "index rebuild failed; prior index still serving")
		return
	}

	if h.corpusPath != "" {
		if err := writeFileAtomic(h.corpusPath, body); err != nil {
			// The live index already serves the new corpus; only the
			// copy a restart would read is stale.
			h.logger.Error("persisting corpus failed", "path", h.corpusPath, "error", err)
			writeError(w, http.StatusInternalServerError, "persist_failed",
				"index rebuilt but corpus file not persisted; a restart will reindex the previous corpus")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"build_id":  report.BuildID,
		"chunks":    report.Chunks,
		"dimension": report.Dimension,
	})
}

// writeFileAtomic writes data next to path and renames it into place, so
// a crash mid-write cannot leave a truncated corpus behind.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

type userRequest struct {
	UserID string `json:"user_id"`
}

func (h *adminHandler) listUsers(w http.ResponseWriter, r *http.Request) {
	ids, err := h.users.List(r.Context())
	if err != nil {
		h.logger.Error("listing users failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "user store unavailable")
		return
	}
	slices.Sort(ids)
	writeJSON(w, http.StatusOK, map[string]any{"allowed_users": ids})
}

func (h *adminHandler) addUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "user_id is required")
		return
	}
	if err := h.users.Add(r.Context(), req.UserID); err != nil {
		h.logger.Error("adding user failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "user store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added", "user_id": req.UserID})
}

func (h *adminHandler) removeUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.users.Remove(r.Context(), id); err != nil {
		h.logger.Error("removing user failed", "user_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "user store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "user_id": id})
}

func (h *adminHandler) getTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.templates.Template(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable", "template store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"template": tpl})
}

type templateRequest struct {
	Template string `json:"template"`
}

func (h *adminHandler) setTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	if err := h.templates.Set(r.Context(), req.Template); err != nil {
		if errors.Is(err, prompt.ErrMissingPlaceholder) {
			writeError(w, http.StatusBadRequest, "invalid_template",
				"template must contain the {context} and {question} placeholders")
			return
		}
		h.logger.Error("storing template failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "template store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "template": req.Template})
}

func (h *adminHandler) getModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.selector.Current())
}

// setModel switches the process-wide selection. In-flight turns finish
// under the selection they started with.
func (h *adminHandler) setModel(w http.ResponseWriter, r *http.Request) {
	var sel generate.ModelSelection
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	current := h.selector.Current()
	if sel.EmbeddingModel == "" {
		sel.EmbeddingModel = current.EmbeddingModel
	}
	if sel.GenerationModel == "" {
		sel.GenerationModel = current.GenerationModel
	}
	if _, err := h.registry.Resolve(sel.GenerationModel); err != nil {
		writeError(w, http.StatusBadRequest, "unknown_model", "no backend registered under that name")
		return
	}

	h.selector.Switch(sel)
	h.logger.Info("model selection switched",
		"embedding_model", sel.EmbeddingModel,
		"generation_model", sel.GenerationModel,
	)
	writeJSON(w, http.StatusOK, sel)
}
