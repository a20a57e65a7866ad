// Package mockengine is a tiny in-memory search engine speaking the surface
// the conformance fixtures exercise: index lifecycle, bulk ndjson ingest and
// _cat/indices introspection. It exists for fixture development and for the
// runner's own end-to-end tests; it is not a search engine.
package mockengine

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"apiparity/internal/request"
)

type Server struct {
	mu      sync.Mutex
	indexes map[string]int // name -> doc count
}

func New() *Server {
	return &Server{indexes: map[string]int{}}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.route)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	// Engines mount the same surface under different roots; accept both.
	p := strings.TrimPrefix(r.URL.Path, "/api/v1")
	p = strings.Trim(p, "/")

	switch {
	case p == "_cat/indices" && r.Method == http.MethodGet:
		s.catIndices(w, r)
	case strings.HasSuffix(p, "/_bulk") && r.Method == http.MethodPost:
		s.bulk(w, r, strings.TrimSuffix(p, "/_bulk"))
	case p == "_bulk" && r.Method == http.MethodPost:
		s.bulk(w, r, "")
	case p != "" && !strings.Contains(p, "/"):
		s.index(w, r, p)
	default:
		writeJSON(w, http.StatusNotFound, errBody("no handler for "+r.URL.Path))
	}
}

func (s *Server) index(w http.ResponseWriter, r *http.Request, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.indexes[name]

	switch r.Method {
	case http.MethodPut:
		if exists {
			writeJSON(w, http.StatusBadRequest, errBody("index "+name+" already exists"))
			return
		}
		s.indexes[name] = 0
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "index": name})

	case http.MethodDelete:
		if !exists {
			writeJSON(w, http.StatusNotFound, errBody("index "+name+" not found"))
			return
		}
		delete(s.indexes, name)
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})

	case http.MethodGet, http.MethodHead:
		if !exists {
			writeJSON(w, http.StatusNotFound, errBody("index "+name+" not found"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"index": name, "docs_count": s.indexes[name]})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, errBody("method not allowed"))
	}
}

// bulk ingests the ndjson wire format: an action line naming the target
// index, then the document line (delete actions carry no document).
func (s *Server) bulk(w http.ResponseWriter, r *http.Request, pathIndex string) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err.Error()))
		return
	}
	records, err := request.DecodeNDJSON(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ingested := 0
	target := pathIndex
	expectDoc := false
	for _, rec := range records {
		m, ok := rec.(map[string]any)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errBody("bulk line is not an object"))
			return
		}
		if action, idx, isAction := bulkAction(m, pathIndex); isAction {
			target = idx
			expectDoc = action != "delete"
			continue
		}
		if !expectDoc && pathIndex == "" {
			writeJSON(w, http.StatusBadRequest, errBody("bulk document without action line"))
			return
		}
		if _, exists := s.indexes[target]; !exists {
			writeJSON(w, http.StatusNotFound, errBody("index "+target+" not found"))
			return
		}
		s.indexes[target]++
		ingested++
		expectDoc = false
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": false, "ingested": ingested})
}

func bulkAction(m map[string]any, pathIndex string) (action, index string, ok bool) {
	if len(m) != 1 {
		return "", "", false
	}
	for k, v := range m {
		switch k {
		case "index", "create", "update", "delete":
			idx := pathIndex
			if meta, isMap := v.(map[string]any); isMap {
				if n, has := meta["_index"].(string); has {
					idx = n
				}
			}
			return k, idx, true
		}
	}
	return "", "", false
}

func (s *Server) catIndices(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("index")

	s.mu.Lock()
	defer s.mu.Unlock()

	out := []map[string]any{}
	for name, count := range s.indexes {
		if pattern != "" {
			if match, _ := path.Match(pattern, name); !match {
				continue
			}
		}
		out = append(out, map[string]any{
			"health":       "green",
			"status":       "open",
			"index":        name,
			"uuid":         pseudoUUID(name),
			"docs.count":   strconv.Itoa(count),
			"docs.deleted": "0",
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func readBody(r *http.Request) ([]byte, error) {
	var rd io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("gunzip body: %v", err)
		}
		defer zr.Close()
		rd = zr
	}
	return io.ReadAll(rd)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errBody(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func pseudoUUID(name string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("%016x", h.Sum64())
}
