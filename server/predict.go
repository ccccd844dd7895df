package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strings"

	"github.com/ticdso/depthserve/depthsvc"
)

var errInvalidBase64 = errors.New("image_base64 is not valid base64")

type predictRequest struct {
	ImageBase64 string `json:"image_base64"`
}

// readImage extracts the image bytes from a multipart "image" field, a
// JSON body with "image_base64", or a raw image/* body.
func readImage(r *http.Request, maxBytes int64) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			if isTooLarge(err) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", depthsvc.ErrMissingInput, err)
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, depthsvc.ErrMissingInput
		}
		defer file.Close()
		return io.ReadAll(file)

	case mediaType == "application/json":
		var req predictRequest
		if err := readJSONBody(r, &req); err != nil {
			if isTooLarge(err) {
				return nil, err
			}
			return nil, depthsvc.ErrMissingInput
		}
		if req.ImageBase64 == "" {
			return nil, depthsvc.ErrMissingInput
		}
		encoded := req.ImageBase64
		// Accept data URLs as sent by browsers.
		if strings.HasPrefix(encoded, "data:") {
			if i := strings.Index(encoded, ","); i >= 0 {
				encoded = encoded[i+1:]
			}
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidBase64, err)
		}
		return data, nil

	case strings.HasPrefix(mediaType, "image/"), mediaType == "application/octet-stream":
		defer r.Body.Close()
		return io.ReadAll(r.Body)
	}
	return nil, depthsvc.ErrMissingInput
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// writePredictError maps service errors onto the error codes clients
// expect. Anything past a missing image, undecodable input included, is a
// failed prediction.
func writePredictError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, depthsvc.ErrMissingInput):
		writeError(w, http.StatusBadRequest, "MISSING_IMAGE", depthsvc.ErrMissingInput.Error())
	case isTooLarge(err):
		writeError(w, http.StatusRequestEntityTooLarge, "IMAGE_TOO_LARGE", err.Error())
	default:
		log.Printf("ERROR: prediction failed: %v", err)
		writeError(w, http.StatusInternalServerError, "PREDICTION_FAILED", err.Error())
	}
}

func predictHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes)
		data, err := readImage(r, deps.MaxUploadBytes)
		if err != nil {
			writePredictError(w, err)
			return
		}
		pred, err := deps.Service.Predict(r.Context(), data)
		if err != nil {
			writePredictError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pred)
	}
}

func predictRawHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes)
		data, err := readImage(r, deps.MaxUploadBytes)
		if err != nil {
			writePredictError(w, err)
			return
		}
		pred, err := deps.Service.PredictRaw(r.Context(), data)
		if err != nil {
			writePredictError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pred)
	}
}

// legacyPredictHandler runs inference on the configured input file and
// writes the grid to the configured output file.
func legacyPredictHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		if deps.LegacyInput == "" || deps.LegacyOutput == "" {
			writeError(w, http.StatusNotFound, "NOT_CONFIGURED", "legacy input and output paths are not set")
			return
		}
		dm, err := deps.Service.PredictToFile(r.Context(), deps.LegacyInput, deps.LegacyOutput)
		if err != nil {
			writePredictError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "success",
			"width":  dm.Width,
			"height": dm.Height,
			"output": deps.LegacyOutput,
		})
	}
}
