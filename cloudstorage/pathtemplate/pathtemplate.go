// Package pathtemplate expands object path templates such as
// /cache/deps-{{ .OS }}-{{ checksum "go.sum" }}.
package pathtemplate

import (
	"bytes"
	"fmt"
	"runtime"
	"strings"
	"text/template"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Expander evaluates path templates. Files referenced by checksum are resolved relative
// to the working directory.
type Expander struct {
	envRepo    env.Repository
	logger     log.Logger
	workingDir string
	os         string
	arch       string
}

type inventory struct {
	OS   string
	Arch string
}

// NewExpander ...
func NewExpander(envRepo env.Repository, logger log.Logger, workingDir string) Expander {
	return Expander{
		envRepo:    envRepo,
		logger:     logger,
		workingDir: workingDir,
		os:         runtime.GOOS,
		arch:       runtime.GOARCH,
	}
}

// Expand returns path with its template actions evaluated. Paths without actions are
// returned unchanged.
func (e Expander) Expand(path string) (string, error) {
	if !strings.Contains(path, "{{") {
		return path, nil
	}

	funcMap := template.FuncMap{
		"getenv":   e.getEnvVar,
		"checksum": e.checksum,
	}

	tmpl, err := template.New("path").Funcs(funcMap).Option("missingkey=error").Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid path template: %w", err)
	}

	var result bytes.Buffer
	if err := tmpl.Execute(&result, inventory{OS: e.os, Arch: e.arch}); err != nil {
		return "", fmt.Errorf("evaluate path template: %w", err)
	}

	expanded := result.String()
	if strings.Contains(expanded, "//") || strings.HasSuffix(expanded, "/") {
		e.logger.Warnf("Path template %s evaluated to %s, an empty value is likely", path, expanded)
	}
	return expanded, nil
}

func (e Expander) getEnvVar(key string) string {
	value := e.envRepo.Get(key)
	if value == "" {
		e.logger.Warnf("Environment variable %s is empty", key)
	}
	return value
}
