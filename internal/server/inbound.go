package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/Lllllllleong/invoiceingest/internal/mailparse"
	"github.com/Lllllllleong/invoiceingest/internal/models"
)

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ReasonPayloadTooLarge, "request too large")
			return
		}
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "failed to read request body")
		return
	}

	var msg *models.InboundMessage
	if isJSON(r.Header.Get("Content-Type")) {
		msg, err = mailparse.ParsePostmark(body)
	} else {
		msg, err = mailparse.ParseRaw(body)
	}
	if err != nil {
		s.logger.Info("Rejecting malformed inbound message", "error", err)
		writeError(w, http.StatusBadRequest, ReasonMalformed, err.Error())
		return
	}

	logger := s.logger.With("messageId", msg.ID)
	if !s.forwarderAllowed(msg.From) {
		logger.Warn("Sender is not an allowed forwarder", "from", msg.From)
		writeError(w, http.StatusForbidden, ReasonForwarderDenied, "sender not allowed")
		return
	}
	if msg.Attachment != nil && s.opts.MaxPDFBytes > 0 && msg.Attachment.Size > s.opts.MaxPDFBytes {
		logger.Info("Rejecting oversized PDF", "bytes", msg.Attachment.Size, "limit", s.opts.MaxPDFBytes)
		writeError(w, http.StatusRequestEntityTooLarge, ReasonPayloadTooLarge,
			fmt.Sprintf("PDF too large (%d bytes)", msg.Attachment.Size))
		return
	}
	logger.Info("Inbound message accepted", "attachments", msg.AttachmentCount, "hasPDF", msg.Attachment != nil)

	out, err := s.processor.Process(r.Context(), msg)
	if err != nil {
		// The relay retries on 5xx; the claim was released by the pipeline.
		logger.Error("Failed to process inbound message", "error", err)
		writeError(w, http.StatusInternalServerError, ReasonInternalError, "failed to record message")
		return
	}

	if out.RateLimited {
		logger.Info("Sender over daily quota", "from", msg.From)
		writeError(w, http.StatusTooManyRequests, ReasonRateLimited, out.Error)
		return
	}

	resp := models.InboundResponse{
		Status:      out.Status,
		MessageID:   out.MessageID,
		LedgerID:    out.LedgerID,
		Duplicate:   out.Duplicate,
		Error:       out.Error,
		Warnings:    out.Warnings,
		Attachments: msg.AttachmentCount,
	}
	writeJSON(w, http.StatusOK, resp)
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}
