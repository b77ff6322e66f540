// Package router picks a route for each incoming request based on its model
// name, tools, thinking config, and system prompt markers.
package router

import (
	"log/slog"
	"regexp"
	"strings"

	gateway "github.com/eugener/ccmux/internal"
	"github.com/eugener/ccmux/internal/config"
)

const (
	defaultAutoMapPattern    = `^claude-`
	defaultBackgroundPattern = `(?i)claude.*haiku`

	subagentOpenTag  = "<CCM-SUBAGENT-MODEL>"
	subagentCloseTag = "</CCM-SUBAGENT-MODEL>"
)

var subagentTag = regexp.MustCompile(subagentOpenTag + `(.*?)` + subagentCloseTag)

// Router selects a route for each request. Route values are the config's
// "provider,model" strings; the dispatcher resolves them against the registry.
type Router struct {
	cfg        config.RouterConfig
	autoMap    *regexp.Regexp
	background *regexp.Regexp
}

// New compiles the router's patterns. Empty overrides mean the built-in
// defaults; an invalid override logs a warning and falls back to the default.
func New(cfg config.RouterConfig, log *slog.Logger) *Router {
	return &Router{
		cfg:        cfg,
		autoMap:    compilePattern(cfg.AutoMapRegex, defaultAutoMapPattern, "auto_map_regex", log),
		background: compilePattern(cfg.BackgroundRegex, defaultBackgroundPattern, "background_regex", log),
	}
}

func compilePattern(pattern, fallback, name string, log *slog.Logger) *regexp.Regexp {
	if pattern == "" {
		return regexp.MustCompile(fallback)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Warn("invalid router pattern, using default", "setting", name, "pattern", pattern, "error", err)
		return regexp.MustCompile(fallback)
	}
	return re
}

// Route decides where req goes. It may mutate req: auto-mapping rewrites the
// model, and subagent extraction strips the marker tag from the system prompt.
func (r *Router) Route(req *gateway.MessagesRequest) gateway.RouteDecision {
	original := req.Model

	if r.cfg.Default != "" && r.autoMap.MatchString(req.Model) {
		req.Model = r.cfg.Default
	}

	if r.cfg.WebSearch != "" && hasWebSearchTool(req) {
		return gateway.RouteDecision{Model: r.cfg.WebSearch, Route: gateway.RouteWebSearch}
	}

	if model, ok := extractSubagentModel(req); ok {
		return gateway.RouteDecision{Model: model, Route: gateway.RouteDefault}
	}

	if r.cfg.Think != "" && req.Thinking != nil && req.Thinking.Type == "enabled" {
		return gateway.RouteDecision{Model: r.cfg.Think, Route: gateway.RouteThink}
	}

	// Background matches against the model as the client sent it, before
	// any auto-map rewrite.
	if r.cfg.Background != "" && r.background.MatchString(original) {
		return gateway.RouteDecision{Model: r.cfg.Background, Route: gateway.RouteBackground}
	}

	return gateway.RouteDecision{Model: req.Model, Route: gateway.RouteDefault}
}

// hasWebSearchTool reports whether any tool's type starts with "web_search".
func hasWebSearchTool(req *gateway.MessagesRequest) bool {
	for _, t := range req.Tools {
		if strings.HasPrefix(t.Type, "web_search") {
			return true
		}
	}
	return false
}

// extractSubagentModel looks for the subagent marker in the second system
// block, returning the embedded model name and stripping every occurrence of
// the tag from that block.
func extractSubagentModel(req *gateway.MessagesRequest) (string, bool) {
	blocks := req.System.Blocks
	if len(blocks) < 2 || !strings.Contains(blocks[1].Text, subagentOpenTag) {
		return "", false
	}

	m := subagentTag.FindStringSubmatch(blocks[1].Text)
	if m == nil {
		return "", false
	}
	req.System.Blocks[1].Text = subagentTag.ReplaceAllString(blocks[1].Text, "")
	return m[1], true
}
