package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/howard-nolan/llmgateway/internal/catalog"
	"github.com/howard-nolan/llmgateway/internal/gateway"
	"github.com/howard-nolan/llmgateway/internal/provider"
)

// maxBodyBytes bounds request bodies. Image edits carry files, so the
// limit is generous.
const maxBodyBytes = 64 << 20

// Response headers set on routed requests.
const (
	headerProvider   = "x-llmgateway-provider"
	headerDeprecated = "x-model-deprecated"
	headerDebug      = "x-debug"
	headerNoFallback = "x-no-fallback"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type modelEntry struct {
	ID           string          `json:"id"`
	Object       string          `json:"object"`
	OwnedBy      string          `json:"owned_by"`
	Output       []string        `json:"output"`
	DeprecatedAt *time.Time      `json:"deprecated_at,omitempty"`
	Providers    []providerEntry `json:"providers"`
}

type providerEntry struct {
	ID        string           `json:"id"`
	ModelName string           `json:"model_name"`
	Pricing   *catalog.Pricing `json:"pricing,omitempty"`
}

// handleModels lists the catalog in the OpenAI list shape, with each
// model's providers attached.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.catalog.Models()
	data := make([]modelEntry, 0, len(models))
	for _, m := range models {
		e := modelEntry{
			ID:           m.ID,
			Object:       "model",
			OwnedBy:      m.Family,
			Output:       []string{string(catalog.OutputText)},
			DeprecatedAt: m.DeprecatedAt,
		}
		if len(m.Output) > 0 {
			e.Output = e.Output[:0]
			for _, k := range m.Output {
				e.Output = append(e.Output, string(k))
			}
		}
		for _, mp := range m.Mappings {
			e.Providers = append(e.Providers, providerEntry{
				ID:        mp.ProviderID,
				ModelName: mp.ModelName,
				Pricing:   mp.Pricing,
			})
		}
		data = append(data, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req provider.ChatRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.gw.Chat(r.Context(), s.requestInfo(r), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setServed(w, res.Served)

	if res.Stream == nil {
		writeJSON(w, http.StatusOK, res.Response)
		return
	}
	// Headers are on the wire once the stream starts; a failure here only
	// means the client went away.
	if err := res.Stream.Serve(w); err != nil {
		s.log.DebugContext(r.Context(), "stream ended early",
			"request_id", requestIDFrom(r.Context()),
			"error", err,
		)
	}
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req provider.EmbeddingRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, served, err := s.gw.Embeddings(r.Context(), s.requestInfo(r), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setServed(w, served)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	var req provider.ImageRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Edit = false
	s.serveImages(w, r, &req)
}

// handleImageEdits accepts the OpenAI multipart upload as well as JSON
// with image URLs.
func (s *Server) handleImageEdits(w http.ResponseWriter, r *http.Request) {
	var req provider.ImageRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			writeErrorJSON(w, http.StatusBadRequest, gateway.TypeValidation, "invalid multipart body: "+err.Error())
			return
		}
		var err error
		if req, err = imageRequestFromForm(r.MultipartForm); err != nil {
			writeErrorJSON(w, http.StatusBadRequest, gateway.TypeValidation, err.Error())
			return
		}
	} else if !s.decode(w, r, &req) {
		return
	}
	req.Edit = true
	s.serveImages(w, r, &req)
}

func (s *Server) serveImages(w http.ResponseWriter, r *http.Request, req *provider.ImageRequest) {
	out, served, err := s.gw.Images(r.Context(), s.requestInfo(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setServed(w, served)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVideoGenerations(w http.ResponseWriter, r *http.Request) {
	var req provider.VideoRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, served, err := s.gw.Video(r.Context(), s.requestInfo(r), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setServed(w, served)
	writeJSON(w, http.StatusOK, out)
}

// imageRequestFromForm turns an OpenAI images/edits upload into a request
// whose images are data URLs.
func imageRequestFromForm(form *multipart.Form) (provider.ImageRequest, error) {
	value := func(k string) string {
		if v := form.Value[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	req := provider.ImageRequest{
		Model:          value("model"),
		Prompt:         value("prompt"),
		Size:           value("size"),
		Quality:        value("quality"),
		ResponseFormat: value("response_format"),
	}
	if n := value("n"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return req, errors.New("n must be an integer")
		}
		req.N = v
	}

	for _, field := range []string{"image", "image[]"} {
		for _, fh := range form.File[field] {
			u, err := dataURL(fh)
			if err != nil {
				return req, err
			}
			req.Images = append(req.Images, u)
		}
	}
	if masks := form.File["mask"]; len(masks) > 0 {
		u, err := dataURL(masks[0])
		if err != nil {
			return req, err
		}
		req.Mask = u
	}
	return req, nil
}

func dataURL(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", fh.Filename, err)
	}
	mediaType := fh.Header.Get("Content-Type")
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(data)
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// requestInfo collects what the gateway needs to know about the caller.
func (s *Server) requestInfo(r *http.Request) gateway.RequestInfo {
	return gateway.RequestInfo{
		RequestID:  requestIDFrom(r.Context()),
		Org:        orgFrom(r.Context()),
		Debug:      headerFlag(r, headerDebug),
		NoFallback: headerFlag(r, headerNoFallback),
	}
}

// headerFlag treats a present header as set unless it says false.
func headerFlag(r *http.Request, name string) bool {
	v := strings.TrimSpace(r.Header.Get(name))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err != nil || b
}

func setServed(w http.ResponseWriter, served gateway.Served) {
	if served.Provider != "" {
		w.Header().Set(headerProvider, served.Provider)
	}
	if served.Deprecated {
		w.Header().Set(headerDeprecated, "true")
	}
}

// decode reads a JSON body into v. On failure it writes a validation
// error and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorJSON(w, http.StatusRequestEntityTooLarge, gateway.TypeValidation, "request body too large")
			return false
		}
		writeErrorJSON(w, http.StatusBadRequest, gateway.TypeValidation, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeError renders a gateway error. The cause of internal faults stays
// in the logs; callers only see the message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := gateway.AsError(err)
	if e.Type == gateway.TypeClientClosed {
		return
	}
	writeErrorJSON(w, e.Status, e.Type, e.Message)
}

func writeErrorJSON(w http.ResponseWriter, status int, typ, message string) {
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	body.Error.Message = message
	body.Error.Type = typ
	body.Error.Code = status
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
