package incidentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/sitrep/internal/classify"
	"github.com/linnemanlabs/sitrep/internal/incident"
	"github.com/linnemanlabs/sitrep/internal/store"
)

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in incident.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if err := a.maybeClassify(r, &in); err != nil {
		if errors.Is(err, classify.ErrUnclassifiable) {
			// Fall through to validation: an unlabeled report without a type
			// is the reporter's problem to fix, not ours to guess.
			a.logger.Warn(r.Context(), "submission could not be classified", "error", err.Error())
		} else {
			a.logger.Error(r.Context(), err, "classifier unavailable")
		}
	}

	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inc, err := a.creator.Create(r.Context(), in)
	if err != nil {
		a.logger.Error(r.Context(), err, "incident create failed", "type", in.Type, "location", in.Location)
		writeError(w, http.StatusBadGateway, "store unavailable")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("sitrep.incident.id", inc.ID),
		attribute.String("sitrep.incident.type", string(inc.Type)),
	)
	a.logger.Info(r.Context(), "incident created",
		"id", inc.ID, "type", string(inc.Type), "severity", string(inc.Severity))

	writeJSON(w, http.StatusCreated, inc)
}

// maybeClassify fills missing labels from the report text. Explicit fields
// always win; the classifier only supplies what the reporter left blank.
func (a *API) maybeClassify(r *http.Request, in *incident.CreateInput) error {
	if a.classifier == nil {
		return nil
	}
	needsLabels := in.Type == "" || in.Severity == "" || in.Panic == nil
	if !needsLabels {
		return nil
	}
	if in.Transcription == "" && in.Description == "" {
		return nil
	}

	labels, err := a.classifier.Classify(r.Context(), classify.Report{
		Transcription: in.Transcription,
		Description:   in.Description,
	})
	if err != nil {
		return err
	}

	if in.Type == "" {
		in.Type = string(labels.Type)
	}
	if in.Severity == "" {
		in.Severity = string(labels.Severity)
	}
	if in.Panic == nil {
		p := labels.Panic
		in.Panic = &p
	}
	if in.Sentiment == "" {
		in.Sentiment = labels.Sentiment
	}
	return nil
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	a.handleAction(w, r, "verify", a.reviewer.Verify)
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	a.handleAction(w, r, "resolve", a.reviewer.Flag)
}

type actionFunc func(ctx context.Context, id string) (*incident.Incident, error)

func (a *API) handleAction(w http.ResponseWriter, r *http.Request, name string, action actionFunc) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sitrep.incident.id", id))

	inc, err := action(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "incident not found")
			return
		}
		a.logger.Error(r.Context(), err, "incident action failed", "action", name, "id", id)
		writeError(w, http.StatusBadGateway, "store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, inc)
}
