package server

import (
	"net/http"
	"slices"
	"strings"
)

type modelInfo struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

type providerInfo struct {
	Name   string   `json:"name"`
	Models []string `json:"models"`
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	mappings := s.deps.Providers.Mappings()
	models := make([]modelInfo, 0, len(mappings))
	for model, prov := range mappings {
		models = append(models, modelInfo{Model: model, Provider: prov})
	}
	slices.SortFunc(models, func(a, b modelInfo) int {
		return strings.Compare(a.Model, b.Model)
	})
	writeJSON(w, http.StatusOK, models)
}

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	mappings := s.deps.Providers.Mappings()
	byProvider := make(map[string][]string)
	for model, prov := range mappings {
		byProvider[prov] = append(byProvider[prov], model)
	}

	names := s.deps.Providers.List()
	providers := make([]providerInfo, 0, len(names))
	for _, name := range names {
		models := byProvider[name]
		slices.Sort(models)
		providers = append(providers, providerInfo{Name: name, Models: models})
	}
	writeJSON(w, http.StatusOK, providers)
}
