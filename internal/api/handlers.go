package api

import (
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
	"github.com/gmsas95/donorscan/internal/forms"
	"github.com/gmsas95/donorscan/internal/preprocess"
	"github.com/gmsas95/donorscan/internal/security"
	"github.com/gmsas95/donorscan/internal/store"
)

const sourceAPI = "api"

func (s *Server) handleHealth(c *fiber.Ctx) error {
	ok := s.health.Validate()
	status := fiber.StatusOK
	if !ok {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(newHealthResponse(ok, Version))
}

func (s *Server) handleMetricsJSON(c *fiber.Ctx) error {
	return c.JSON(s.health.Metrics().Snapshot())
}

// handleUpload accepts a multipart "file". By default the document is
// processed in the background and 202 is returned; ?sync=true waits for
// the results.
func (s *Server) handleUpload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrBadRequest, nil, "no file provided")
	}
	f, err := fh.Open()
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrBadRequest, err, "open upload")
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrBadRequest, err, "read upload")
	}

	name := security.CleanFileName(fh.Filename)
	mimeType := preprocess.DetectMIME(name, content)
	if !preprocess.AllowedUpload(mimeType) {
		return apperrors.Wrapf(apperrors.ErrUnsupportedFormat, nil, "%s", mimeType)
	}

	doc := forms.RawDocument{
		FileName: name,
		Content:  content,
		MimeType: mimeType,
	}

	if c.QueryBool("sync", false) {
		record, results, err := s.jobs.Run(c.UserContext(), doc, sourceAPI)
		if err != nil {
			return err
		}
		return c.JSON(DocumentResponse{Document: record, Results: store.Redact(results)})
	}

	record, err := s.jobs.Submit(c.UserContext(), doc, sourceAPI)
	if err != nil {
		return err
	}
	s.logger.Info("Document accepted",
		zap.String("document", record.ID),
		zap.String("file", name),
		zap.String("mime", mimeType))
	return c.Status(fiber.StatusAccepted).JSON(DocumentResponse{Document: record})
}

func (s *Server) handleListDocuments(c *fiber.Ctx) error {
	docs, err := s.store.ListDocuments(c.UserContext(), c.QueryInt("limit", 20), c.QueryInt("offset", 0))
	if err != nil {
		return err
	}
	return c.JSON(docs)
}

func (s *Server) handleGetDocument(c *fiber.Ctx) error {
	doc, err := s.store.GetDocument(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	resp := DocumentResponse{Document: doc}
	if doc.Status == store.StatusCompleted {
		resp.Results, err = s.store.GetResults(c.UserContext(), doc.ID)
		if err != nil {
			return err
		}
	}
	return c.JSON(resp)
}

func (s *Server) handleListRecords(c *fiber.Ctx) error {
	filter := store.RecordFilter{
		DocumentID: c.Query("document_id"),
		Limit:      c.QueryInt("limit", 50),
		Offset:     c.QueryInt("offset", 0),
	}
	if review := strings.TrimSpace(c.Query("review")); review != "" {
		v := c.QueryBool("review")
		filter.NeedsReview = &v
	}

	records, err := s.store.ListRecords(c.UserContext(), filter)
	if err != nil {
		return err
	}
	if records == nil {
		records = []store.DonationRecord{}
	}
	return c.JSON(RecordsResponse{Records: records, Limit: filter.Limit, Offset: filter.Offset})
}
