package server

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/bridge"
)

// Passthrough endpoints forward the caller's payload verbatim; the adapter
// rewrites the model field to the native id. The server only extracts what
// routing needs: the model string and the stream flag.

func (s *server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	s.proxyRaw(w, r, forge.EndpointCompletions, rawOptions{streamable: true, appendDone: true})
}

// handleResponses streams without re-emitting [DONE]: the responses dialect
// ends on its own terminal event.
func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	s.proxyRaw(w, r, forge.EndpointResponses, rawOptions{streamable: true})
}

func (s *server) handleImagesGenerations(w http.ResponseWriter, r *http.Request) {
	s.proxyRaw(w, r, forge.EndpointImagesGenerations, rawOptions{})
}

// handleImagesEdits forwards a multipart form; the model rides in a form
// field instead of the JSON body.
func (s *server) handleImagesEdits(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	contentType := r.Header.Get("Content-Type")
	model := multipartModel(contentType, body)
	if model == "" {
		writeDetail(w, http.StatusBadRequest, "model form field is required")
		return
	}
	s.dispatchRaw(w, r, &forge.RawRequest{
		Endpoint:    forge.EndpointImagesEdits,
		Model:       model,
		ContentType: contentType,
		Body:        body,
	}, rawOptions{})
}

type rawOptions struct {
	streamable bool
	appendDone bool
}

// proxyRaw handles the JSON-bodied passthrough endpoints.
func (s *server) proxyRaw(w http.ResponseWriter, r *http.Request, endpoint forge.Endpoint, opts rawOptions) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeDetail(w, http.StatusBadRequest, "model is required")
		return
	}
	s.dispatchRaw(w, r, &forge.RawRequest{
		Endpoint:    endpoint,
		Model:       model,
		Stream:      gjson.GetBytes(body, "stream").Bool(),
		ContentType: "application/json",
		Body:        body,
	}, opts)
}

func (s *server) dispatchRaw(w http.ResponseWriter, r *http.Request, req *forge.RawRequest, opts rawOptions) {
	if req.Stream && opts.streamable {
		st, err := s.deps.Gateway.RawStream(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		br := bridge.New(bridge.Options{
			ApproxInputTokens: st.ApproxInputTokens,
			AppendDone:        opts.appendDone,
		})
		if err := br.Run(r.Context(), w, st.Chunks); err != nil {
			st.Abort(err)
			writeError(w, r, err)
			return
		}
		st.Commit(br.Usage())
		return
	}

	resp, err := s.deps.Gateway.Raw(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ct := resp.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header()["Content-Type"] = []string{ct}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// multipartModel extracts the "model" form field from a multipart body
// without consuming the original payload.
func multipartModel(contentType string, body []byte) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	boundary := params["boundary"]
	if boundary == "" {
		return ""
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}
		if part.FormName() == "model" && part.FileName() == "" {
			b, _ := io.ReadAll(io.LimitReader(part, 256))
			return string(b)
		}
	}
}
