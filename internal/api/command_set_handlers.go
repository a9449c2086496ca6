package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/wsdispatch/wsdispatch/internal/catalog"
	"github.com/wsdispatch/wsdispatch/internal/config"
)

func (s *Server) handleListCommandSets(w http.ResponseWriter, r *http.Request) {
	sets := s.manager.Current().CommandSets
	if sets == nil {
		sets = []catalog.CommandSet{}
	}
	writeJSON(w, http.StatusOK, sets)
}

func (s *Server) handleGetCommandSet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, set := range s.manager.Current().CommandSets {
		if set.ID == id {
			writeJSON(w, http.StatusOK, set)
			return
		}
	}
	s.writeError(w, fmt.Errorf("%w: command set %q", config.ErrNotFound, id))
}

func (s *Server) handleCreateCommandSet(w http.ResponseWriter, r *http.Request) {
	var set catalog.CommandSet
	if err := decodeBody(r, &set); err != nil {
		s.writeError(w, err)
		return
	}
	if set.ID == "" {
		s.writeError(w, fmt.Errorf("%w: command set id is required", config.ErrValidation))
		return
	}

	err := s.manager.Update(func(settings *config.Settings) error {
		for _, existing := range settings.CommandSets {
			if existing.ID == set.ID {
				return fmt.Errorf("%w: command set %q", config.ErrIDConflict, set.ID)
			}
		}
		settings.CommandSets = append(settings.CommandSets, set)
		applyDefaultFlag(settings, &set)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, set)
}

func (s *Server) handleUpdateCommandSet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var set catalog.CommandSet
	if err := decodeBody(r, &set); err != nil {
		s.writeError(w, err)
		return
	}
	set.ID = id

	err := s.manager.Update(func(settings *config.Settings) error {
		for i := range settings.CommandSets {
			if settings.CommandSets[i].ID == id {
				settings.CommandSets[i] = set
				applyDefaultFlag(settings, &set)
				return nil
			}
		}
		return fmt.Errorf("%w: command set %q", config.ErrNotFound, id)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleDeleteCommandSet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.manager.Update(func(settings *config.Settings) error {
		for i := range settings.CommandSets {
			if settings.CommandSets[i].ID != id {
				continue
			}
			category := settings.CommandSets[i].Category
			settings.CommandSets = append(settings.CommandSets[:i], settings.CommandSets[i+1:]...)
			for j := range settings.Categories {
				if settings.Categories[j].ID == category && settings.Categories[j].DefaultCommandSet == id {
					settings.Categories[j].DefaultCommandSet = ""
				}
			}
			return nil
		}
		return fmt.Errorf("%w: command set %q", config.ErrNotFound, id)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAddCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var cmd catalog.Command
	if err := decodeBody(r, &cmd); err != nil {
		s.writeError(w, err)
		return
	}

	err := s.manager.Update(func(settings *config.Settings) error {
		for i := range settings.CommandSets {
			if settings.CommandSets[i].ID != id {
				continue
			}
			for _, existing := range settings.CommandSets[i].Commands {
				if existing.Name == cmd.Name {
					return fmt.Errorf("%w: command %q in set %q", config.ErrIDConflict, cmd.Name, id)
				}
			}
			settings.CommandSets[i].Commands = append(settings.CommandSets[i].Commands, cmd)
			return nil
		}
		return fmt.Errorf("%w: command set %q", config.ErrNotFound, id)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

// handleRemoveCommand deletes one command by name. The name arrives as a query
// parameter because command names contain slashes.
func (s *Server) handleRemoveCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		s.writeError(w, fmt.Errorf("%w: name parameter is required", config.ErrValidation))
		return
	}

	err := s.manager.Update(func(settings *config.Settings) error {
		for i := range settings.CommandSets {
			if settings.CommandSets[i].ID != id {
				continue
			}
			commands := settings.CommandSets[i].Commands
			for j := range commands {
				if commands[j].Name == name {
					settings.CommandSets[i].Commands = append(commands[:j], commands[j+1:]...)
					return nil
				}
			}
			return fmt.Errorf("%w: command %q in set %q", config.ErrNotFound, name, id)
		}
		return fmt.Errorf("%w: command set %q", config.ErrNotFound, id)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// applyDefaultFlag makes is_default exclusive within the set's category and
// mirrors it into the category's default_command_set. Withdrawing the flag
// clears a mirror still pointing at the set.
func applyDefaultFlag(settings *config.Settings, set *catalog.CommandSet) {
	if set.Category == "" {
		return
	}
	if !set.IsDefault {
		for i := range settings.Categories {
			if settings.Categories[i].ID == set.Category && settings.Categories[i].DefaultCommandSet == set.ID {
				settings.Categories[i].DefaultCommandSet = ""
			}
		}
		return
	}
	for i := range settings.CommandSets {
		if settings.CommandSets[i].Category == set.Category && settings.CommandSets[i].ID != set.ID {
			settings.CommandSets[i].IsDefault = false
		}
	}
	for i := range settings.Categories {
		if settings.Categories[i].ID == set.Category {
			settings.Categories[i].DefaultCommandSet = set.ID
		}
	}
}
