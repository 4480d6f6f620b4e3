package challenge

import (
	"net/http"
	"net/url"
)

// Params are the request parameters visible to a form handler.
type Params struct {
	Query url.Values
	Body  url.Values
}

// Lookup returns the first value for name, checking the query string before
// the body.
func (p Params) Lookup(name string) (string, bool) {
	if vs, ok := p.Query[name]; ok && len(vs) > 0 {
		return vs[0], true
	}
	if vs, ok := p.Body[name]; ok && len(vs) > 0 {
		return vs[0], true
	}
	return "", false
}

// ParamsFromRequest parses r's query string and form body.
func ParamsFromRequest(r *http.Request) (Params, error) {
	if err := r.ParseForm(); err != nil {
		return Params{}, err
	}
	return Params{Query: r.URL.Query(), Body: r.PostForm}, nil
}
