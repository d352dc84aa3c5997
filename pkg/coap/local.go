package coap

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
)

// WellKnownCore is the resource discovery path (RFC 6690).
const WellKnownCore = "/.well-known/core"

// Resource is one entry of the local resource tree.
type Resource struct {
	Path          string
	Content       []byte
	ContentFormat MediaType
}

func (r *Resource) etag() []byte {
	h := fnv.New64a()
	h.Write(r.Content)
	return h.Sum(nil)
}

// LocalServer answers CoAP requests from an in-process resource tree.
type LocalServer struct {
	mu        sync.RWMutex
	resources map[string]*Resource
	nextChild uint64
	logger    *slog.Logger
}

// NewLocalServer creates a local server holding resources.
func NewLocalServer(resources []Resource, logger *slog.Logger) *LocalServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LocalServer{logger: logger}
	s.Replace(resources)
	return s
}

// Replace swaps the whole resource tree atomically.
func (s *LocalServer) Replace(resources []Resource) {
	tree := make(map[string]*Resource, len(resources))
	for _, res := range resources {
		p := cleanPath(res.Path)
		tree[p] = &Resource{
			Path:          p,
			Content:       append([]byte(nil), res.Content...),
			ContentFormat: res.ContentFormat,
		}
	}

	s.mu.Lock()
	s.resources = tree
	s.mu.Unlock()

	s.logger.Info("Local resources loaded", "count", len(tree))
}

// Paths returns the registered resource paths in sorted order.
func (s *LocalServer) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.resources))
	for p := range s.resources {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Dispatch implements Dispatcher.
func (s *LocalServer) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := cleanPath(req.Path)
	if p == WellKnownCore {
		if req.Code != GET {
			return &Response{Code: MethodNotAllowed}, nil
		}
		return s.discovery(), nil
	}

	switch req.Code {
	case GET:
		return s.get(p, req), nil
	case PUT:
		return s.put(p, req), nil
	case POST:
		return s.post(p, req), nil
	case DELETE:
		return s.delete(p), nil
	default:
		return &Response{Code: MethodNotAllowed}, nil
	}
}

func (s *LocalServer) get(p string, req *Request) *Response {
	s.mu.RLock()
	res, ok := s.resources[p]
	s.mu.RUnlock()

	if !ok {
		return &Response{Code: NotFound}
	}
	if req.Accept != nil && *req.Accept != res.ContentFormat {
		return &Response{Code: NotAcceptable}
	}

	return &Response{
		Code:          Content,
		ContentFormat: MediaTypePtr(res.ContentFormat),
		ETag:          res.etag(),
		Payload:       append([]byte(nil), res.Content...),
	}
}

func (s *LocalServer) put(p string, req *Request) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.resources[p]
	if exists && req.IfNoneMatch {
		return &Response{Code: PreconditionFailed}
	}
	if len(req.IfMatch) > 0 {
		if !exists || !matchesAny(existing.etag(), req.IfMatch) {
			return &Response{Code: PreconditionFailed}
		}
	}

	res := &Resource{
		Path:          p,
		Content:       append([]byte(nil), req.Payload...),
		ContentFormat: formatOrDefault(req.ContentFormat),
	}
	s.resources[p] = res

	if exists {
		return &Response{Code: Changed, ETag: res.etag()}
	}
	s.logger.Debug("Local resource created", "path", p)
	return &Response{Code: Created, ETag: res.etag(), LocationPath: p}
}

func (s *LocalServer) post(p string, req *Request) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextChild++
	child := path.Join(p, fmt.Sprintf("%d", s.nextChild))
	s.resources[child] = &Resource{
		Path:          child,
		Content:       append([]byte(nil), req.Payload...),
		ContentFormat: formatOrDefault(req.ContentFormat),
	}
	return &Response{Code: Created, LocationPath: child}
}

func (s *LocalServer) delete(p string) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[p]; !ok {
		return &Response{Code: NotFound}
	}
	delete(s.resources, p)
	return &Response{Code: Deleted}
}

// discovery renders the resource tree in CoRE link format.
func (s *LocalServer) discovery() *Response {
	s.mu.RLock()
	links := make([]string, 0, len(s.resources))
	for p, res := range s.resources {
		links = append(links, fmt.Sprintf("<%s>;ct=%d", p, res.ContentFormat))
	}
	s.mu.RUnlock()
	sort.Strings(links)

	return &Response{
		Code:          Content,
		ContentFormat: MediaTypePtr(AppLinkFormat),
		Payload:       []byte(strings.Join(links, ",")),
	}
}

func cleanPath(p string) string {
	return path.Clean("/" + strings.Trim(p, "/"))
}

func formatOrDefault(m *MediaType) MediaType {
	if m == nil {
		return AppOctets
	}
	return *m
}

func matchesAny(etag []byte, candidates [][]byte) bool {
	for _, c := range candidates {
		if bytes.Equal(c, etag) {
			return true
		}
	}
	return false
}
