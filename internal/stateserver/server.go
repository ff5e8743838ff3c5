// Package stateserver implements the HTTP persistence service that sync
// clients talk to: a key-addressed JSON value store with bearer-token auth,
// optional schema validation of written values, and a websocket change feed.
package stateserver

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	defaultMaxBodyBytes = 4 << 20
	writeTimeout        = 10 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerOptions struct {
	// Token, when set, is required as a bearer token on every /state request.
	Token string
	// ValueSchema, when set, is a JSON Schema document that every written
	// value must satisfy.
	ValueSchema string
	// MaxBodyBytes caps PUT request bodies. Defaults to 4 MiB.
	MaxBodyBytes int64
	Logger       Logger
}

type Server struct {
	store        *Store
	feed         *feed
	token        string
	schema       *jsonschema.Schema
	maxBodyBytes int64
	logger       Logger
}

type valueEnvelope struct {
	Value json.RawMessage `json:"value"`
}

func NewServer(store *Store, opts ServerOptions) (*Server, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	s := &Server{
		store:        store,
		feed:         newFeed(),
		token:        strings.TrimSpace(opts.Token),
		maxBodyBytes: opts.MaxBodyBytes,
		logger:       opts.Logger,
	}
	if s.maxBodyBytes <= 0 {
		s.maxBodyBytes = defaultMaxBodyBytes
	}
	if schemaSrc := strings.TrimSpace(opts.ValueSchema); schemaSrc != "" {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaSrc))
		if err != nil {
			return nil, err
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("value-schema.json", doc); err != nil {
			return nil, err
		}
		schema, err := compiler.Compile("value-schema.json")
		if err != nil {
			return nil, err
		}
		s.schema = schema
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	if path == "/state-events" {
		s.feed.serve(w, r)
		return
	}

	// Cut the key from the escaped form: URL.Path is already decoded, and
	// unescaping it a second time corrupts keys containing %-sequences.
	if key, ok := strings.CutPrefix(r.URL.EscapedPath(), "/state/"); ok {
		decoded, err := url.PathUnescape(key)
		if err != nil || decoded == "" {
			writeError(w, http.StatusBadRequest, "bad_key", "malformed state key")
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.handleGet(w, decoded)
		case http.MethodPut:
			s.handlePut(w, r, decoded)
		case http.MethodDelete:
			s.handleDelete(w, decoded)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		}
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "unknown route")
}

func (s *Server) handleGet(w http.ResponseWriter, key string) {
	value, ok := s.store.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no value for key")
		return
	}
	writeJSON(w, http.StatusOK, valueEnvelope{Value: value})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, key string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "failed to read request body")
		return
	}
	if int64(len(body)) > s.maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body exceeds limit")
		return
	}

	var envelope valueEnvelope
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&envelope); err != nil || len(envelope.Value) == 0 {
		writeError(w, http.StatusBadRequest, "bad_body", "body must be a JSON object with a value field")
		return
	}

	if s.schema != nil {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelope.Value))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_value", "value is not valid JSON")
			return
		}
		if err := s.schema.Validate(doc); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "schema_violation", err.Error())
			return
		}
	}

	if err := s.store.Put(key, envelope.Value); err != nil {
		s.logf("put %q: %v", key, err)
		writeError(w, http.StatusInternalServerError, "store_failed", "failed to persist value")
		return
	}
	s.feed.broadcast(key, envelope.Value, false)
	writeJSON(w, http.StatusOK, valueEnvelope{Value: envelope.Value})
}

func (s *Server) handleDelete(w http.ResponseWriter, key string) {
	if err := s.store.Delete(key); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no value for key")
			return
		}
		s.logf("delete %q: %v", key, err)
		writeError(w, http.StatusInternalServerError, "store_failed", "failed to delete value")
		return
	}
	s.feed.broadcast(key, nil, true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
