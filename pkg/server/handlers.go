package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ha1tch/archety/pkg/batch"
	"github.com/ha1tch/archety/pkg/keys"
	"github.com/ha1tch/archety/pkg/models"
	"github.com/ha1tch/archety/pkg/pages"
	"github.com/ha1tch/archety/pkg/validation"
)

// handleCreateIdentity accepts an email or phone and schedules the
// identity's creation when it does not exist yet
func (s *Server) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req models.IdentityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	identity, err := s.validator.Identity(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ref, found, err := s.resolveIdentity(r.Context(), identity)
	if err != nil {
		s.storeFailure(w, r, err)
		return
	}
	if !found {
		s.writer.Enqueue(batch.CreateEntity{Entity: ref.Spec})
	}

	s.writeJSON(w, http.StatusCreated, models.IdentityResponse{Identity: identity})
}

// handleGetIdentity reports whether an identity exists
func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identityParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, found, err := s.resolveIdentity(r.Context(), identity)
	if err != nil {
		s.storeFailure(w, r, err)
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, identity+" not found.")
		return
	}

	s.writeJSON(w, http.StatusOK, models.IdentityResponse{Identity: identity})
}

// resolvePage validates a page request and returns the page as a record
// endpoint. A page that is not in the store must pass the page check.
func (s *Server) resolvePage(ctx context.Context, req models.PageRequest) (validation.Page, batch.Ref, int, error) {
	page, err := s.validator.Page(req)
	if err != nil {
		return page, batch.Ref{}, http.StatusBadRequest, err
	}

	h, found, err := s.resolver.Resolve(ctx, models.KindPage, page.URL)
	if err != nil {
		return page, batch.Ref{}, http.StatusInternalServerError, err
	}
	if found {
		return page, batch.Existing(h), 0, nil
	}

	docTitle, err := s.pages.Check(ctx, page.URL)
	if errors.Is(err, pages.ErrPageNotFound) {
		return page, batch.Ref{}, http.StatusBadRequest, err
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("url", page.URL).Msg("Page check failed")
		return page, batch.Ref{}, http.StatusBadGateway, errors.New("Unable to check " + page.URL)
	}
	if page.Title == "" {
		page.Title = docTitle
	}
	if page.Title == "" {
		return page, batch.Ref{}, http.StatusBadRequest, validation.ErrMissingPage
	}
	return page, batch.Absent(batch.Page(page.URL, page.Title)), 0, nil
}

// handleCreatePage schedules a page's creation after checking it resolves
func (s *Server) handleCreatePage(w http.ResponseWriter, r *http.Request) {
	var req models.PageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, ref, status, err := s.resolvePage(r.Context(), req)
	if status == http.StatusInternalServerError {
		s.storeFailure(w, r, err)
		return
	}
	if err != nil {
		s.writeError(w, status, err.Error())
		return
	}
	if !ref.Handle.Valid() {
		s.writer.Enqueue(batch.CreateEntity{Entity: ref.Spec})
	}

	s.writeJSON(w, http.StatusCreated, models.PageResponse{URL: page.URL, Title: page.Title})
}

// handleCreatePageRelation returns the handler for POST likes and hates
func (s *Server) handleCreatePageRelation(rel models.RelType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.identityParam(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var req models.PageRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		source, _, err := s.resolveIdentity(r.Context(), identity)
		if err != nil {
			s.storeFailure(w, r, err)
			return
		}
		page, target, status, err := s.resolvePage(r.Context(), req)
		if status == http.StatusInternalServerError {
			s.storeFailure(w, r, err)
			return
		}
		if err != nil {
			s.writeError(w, status, err.Error())
			return
		}

		s.writer.Enqueue(batch.Relate(source, target, batch.Relation{Type: rel}))

		s.writeJSON(w, http.StatusCreated, models.RelationshipResponse{
			Identity:         identity,
			URL:              page.URL,
			Title:            page.Title,
			RelationshipType: rel,
		})
	}
}

// handleGetPageRelations returns the handler for GET likes and hates
func (s *Server) handleGetPageRelations(rel models.RelType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.identityParam(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		ref, found, err := s.resolveIdentity(r.Context(), identity)
		if err != nil {
			s.storeFailure(w, r, err)
			return
		}
		if !found {
			s.writeError(w, http.StatusNotFound, identity+" not found.")
			return
		}

		related, err := s.store.Related(r.Context(), ref.Handle, rel)
		if err != nil {
			s.storeFailure(w, r, err)
			return
		}

		results := make([]models.PageResponse, 0, len(related))
		for _, rp := range related {
			results = append(results, models.PageResponse{
				URL:   rp.Entity.Key,
				Title: rp.Entity.Attr(models.AttrTitle),
			})
		}
		s.writeJSON(w, http.StatusOK, results)
	}
}

// handleCreateKnows relates two identities. The known identity travels
// on the edge encrypted under the knower's identity.
func (s *Server) handleCreateKnows(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identityParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req models.IdentityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	identity2, err := s.validator.Identity(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, err := keys.Encrypt(identity2, identity)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encrypt identity")
		s.writeError(w, http.StatusInternalServerError, "Unable to encrypt identity.")
		return
	}

	source, _, err := s.resolveIdentity(r.Context(), identity)
	if err != nil {
		s.storeFailure(w, r, err)
		return
	}
	target, _, err := s.resolveIdentity(r.Context(), identity2)
	if err != nil {
		s.storeFailure(w, r, err)
		return
	}

	s.writer.Enqueue(batch.Relate(source, target, batch.Knows(payload)))

	s.writeJSON(w, http.StatusCreated, models.RelationshipResponse{
		Identity:         identity,
		Identity2:        identity2,
		RelationshipType: models.RelKnows,
	})
}

// handleGetKnows lists the identities an identity knows
func (s *Server) handleGetKnows(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identityParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ref, found, err := s.resolveIdentity(r.Context(), identity)
	if err != nil {
		s.storeFailure(w, r, err)
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, identity+" not found.")
		return
	}

	related, err := s.store.Related(r.Context(), ref.Handle, models.RelKnows)
	if err != nil {
		s.storeFailure(w, r, err)
		return
	}

	results := make([]models.IdentityResponse, 0, len(related))
	for _, rp := range related {
		known, err := keys.Decrypt(rp.Edge.Attrs[models.AttrEncryptedIdentity], identity)
		if err != nil {
			s.logger.Warn().Err(err).Int64("edge", rp.Edge.ID).Msg("Skipping unreadable KNOWS payload")
			continue
		}
		results = append(results, models.IdentityResponse{Identity: known})
	}
	s.writeJSON(w, http.StatusOK, results)
}

// handleCreateToken issues a verification token to an email identity,
// creating the identity when needed
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req models.IdentityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" {
		s.writeError(w, http.StatusBadRequest, "Email parameter required.")
		return
	}
	identity, err := s.validator.Email(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ref, found, err := s.resolveIdentity(r.Context(), identity)
	if err != nil {
		s.storeFailure(w, r, err)
		return
	}
	if found {
		s.writer.Enqueue(batch.CreateToken{Identity: ref.Handle, Address: identity})
	} else {
		s.writer.Enqueue(batch.CreateIdentityWithToken{Identity: ref.Spec, Address: identity})
	}

	s.writeJSON(w, http.StatusCreated, models.IdentityResponse{Identity: identity})
}

// handleGetToken confirms a token issued by handleCreateToken
func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	h, found, err := s.resolver.ResolveToken(r.Context(), token)
	if err != nil {
		s.storeFailure(w, r, err)
		return
	}
	if !found {
		s.writeError(w, http.StatusBadRequest, "Error authenticating token.")
		return
	}

	s.writer.Enqueue(batch.AuthenticateToken{Identity: h, Token: token})

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Token Authenticated!"))
}
