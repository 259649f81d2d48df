package server

import (
	"encoding/xml"
	"errors"
	"io"
	"net/http"

	"github.com/wzshiming/s3meta/pkg/accesslog"
	"github.com/wzshiming/s3meta/pkg/auth"
	"github.com/wzshiming/s3meta/pkg/s3err"
)

// maxXMLBody bounds the XML request bodies the handlers decode.
const maxXMLBody = 1 << 20

// xmlResponse writes an XML response
func (s *S3Handler) xmlResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return
	}
	if err := xml.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug().Err(err).Msg("failed to encode response")
	}
}

// xmlRequest reads and decodes an XML request body
func (s *S3Handler) xmlRequest(r *http.Request, data any) error {
	if err := xml.NewDecoder(io.LimitReader(r.Body, maxXMLBody)).Decode(data); err != nil {
		return s3err.ErrMalformedXML
	}
	return nil
}

// errorResponse writes err as an S3 error document.
func (s *S3Handler) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	var (
		code    string
		message string
		status  int
	)
	var ae *auth.AuthError
	if errors.As(err, &ae) {
		code, message, status = ae.Code, ae.Message, ae.StatusCode()
	} else {
		e := s3err.From(err)
		code, message, status = e.Code, e.Message, e.StatusCode
		if status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		}
	}
	if e := accesslog.FromContext(r.Context()); e != nil {
		e.ErrorCode = code
	}

	body := Error{
		Code:      code,
		Message:   message,
		Resource:  r.URL.Path,
		RequestId: w.Header().Get("x-amz-request-id"),
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	s.xmlResponse(w, body, status)
}
