package api

import (
	"fmt"
	"net/http"

	"github.com/wsdispatch/wsdispatch/internal/catalog"
	"github.com/wsdispatch/wsdispatch/internal/config"
)

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories := s.manager.Current().Categories
	if categories == nil {
		categories = []catalog.Category{}
	}
	writeJSON(w, http.StatusOK, categories)
}

func (s *Server) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, cat := range s.manager.Current().Categories {
		if cat.ID == id {
			writeJSON(w, http.StatusOK, cat)
			return
		}
	}
	s.writeError(w, fmt.Errorf("%w: category %q", config.ErrNotFound, id))
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var cat catalog.Category
	if err := decodeBody(r, &cat); err != nil {
		s.writeError(w, err)
		return
	}
	if cat.ID == "" {
		s.writeError(w, fmt.Errorf("%w: category id is required", config.ErrValidation))
		return
	}

	err := s.manager.Update(func(settings *config.Settings) error {
		for _, existing := range settings.Categories {
			if existing.ID == cat.ID {
				return fmt.Errorf("%w: category %q", config.ErrIDConflict, cat.ID)
			}
		}
		settings.Categories = append(settings.Categories, cat)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cat)
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var cat catalog.Category
	if err := decodeBody(r, &cat); err != nil {
		s.writeError(w, err)
		return
	}
	cat.ID = id

	err := s.manager.Update(func(settings *config.Settings) error {
		for i := range settings.Categories {
			if settings.Categories[i].ID == id {
				settings.Categories[i] = cat
				return nil
			}
		}
		return fmt.Errorf("%w: category %q", config.ErrNotFound, id)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.manager.Update(func(settings *config.Settings) error {
		for _, set := range settings.CommandSets {
			if set.Category == id {
				return fmt.Errorf("%w: category %q is used by command set %q",
					config.ErrReferentialIntegrity, id, set.ID)
			}
		}
		for i := range settings.Categories {
			if settings.Categories[i].ID == id {
				settings.Categories = append(settings.Categories[:i], settings.Categories[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: category %q", config.ErrNotFound, id)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
