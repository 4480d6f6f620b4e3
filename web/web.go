// Package web serves the demo form page and renders the script that fetches
// a challenge key and injects it into a form.
package web

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"text/template"
)

//go:embed dist/*
var content embed.FS

//go:embed templates/key.js.tmpl
var scriptSource string

var scriptTemplate = template.Must(template.New("key.js").Funcs(template.FuncMap{
	"json": toJSON,
}).Parse(scriptSource))

// ScriptParams are the values substituted into the key script.
type ScriptParams struct {
	// FormID is the id attribute of the form to protect.
	FormID string
	// KeyURL is where the script fetches the key from.
	KeyURL string
	// FieldName is the name of the hidden input the key is placed in.
	FieldName string
}

// RenderScript writes the key script for p to w. Values are embedded as JSON
// string literals, so they cannot break out of the script.
func RenderScript(w io.Writer, p ScriptParams) error {
	if p.FormID == "" || p.KeyURL == "" || p.FieldName == "" {
		return fmt.Errorf("render key script: form id, key url and field name are required")
	}
	if err := scriptTemplate.Execute(w, p); err != nil {
		return fmt.Errorf("render key script: %w", err)
	}
	return nil
}

// toJSON encodes s as a JSON string. encoding/json escapes <, > and &, which
// keeps the literal safe inside an inline <script> as well.
func toJSON(s string) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Handler returns an http.Handler that serves the embedded demo page and its
// assets. Unknown paths are 404s.
func Handler() (http.Handler, error) {
	fsys, err := fs.Sub(content, "dist")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}

	indexBytes, err := fs.ReadFile(fsys, "index.html")
	if err != nil {
		return nil, fmt.Errorf("reading embedded index.html: %w", err)
	}

	static := http.FileServer(http.FS(fsys))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleanPath := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if cleanPath == "" || cleanPath == "." || cleanPath == "index.html" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			w.Write(indexBytes)
			return
		}

		if _, err := fs.Stat(fsys, cleanPath); err == nil {
			static.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	}), nil
}
