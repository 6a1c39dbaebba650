package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/radiology/internal/domain/audit"
	"github.com/ehr/radiology/internal/platform/apperr"
	"github.com/ehr/radiology/internal/platform/auth"
	"github.com/ehr/radiology/internal/platform/blobstore"
	"github.com/ehr/radiology/internal/platform/confirm"
	"github.com/ehr/radiology/internal/platform/db"
	"github.com/ehr/radiology/internal/platform/events"
	"github.com/ehr/radiology/internal/platform/metrics"
)

// Confirmation actions for destructive key image operations.
const (
	ActionDeleteKeyImage = "key_image.delete"
	ActionPurgeKeyImages = "key_image.purge"
)

// Auditor receives one call per committed mutation.
type Auditor interface {
	Record(ctx context.Context, action, entityType, entityID, detail string)
}

// Confirmer implements two-phase confirmation for destructive actions.
type Confirmer interface {
	Request(ctx context.Context, action, entityType, entityID, actor string) (*confirm.Token, error)
	Commit(ctx context.Context, token, action, entityID, actor string) error
}

type Service struct {
	repo            Repository
	blobs           blobstore.Store
	confirmer       Confirmer
	publisher       events.Publisher
	audit           Auditor
	metrics         *metrics.Metrics
	logger          zerolog.Logger
	finalizeTimeout time.Duration
	now             func() time.Time
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l.With().Str("component", "report").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithFinalizeTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.finalizeTimeout = d
		}
	}
}

func NewService(repo Repository, blobs blobstore.Store, confirmer Confirmer, publisher events.Publisher, audit Auditor, opts ...Option) *Service {
	s := &Service{
		repo:            repo,
		blobs:           blobs,
		confirmer:       confirmer,
		publisher:       publisher,
		audit:           audit,
		logger:          zerolog.Nop(),
		finalizeTimeout: 5 * time.Second,
		now:             time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func validateStudyUID(studyUID string) error {
	if studyUID == "" {
		return apperr.Validation("study_uid is required")
	}
	if !studyUIDPattern.MatchString(studyUID) {
		return apperr.Validation("study_uid %q is not a valid study identifier", studyUID)
	}
	return nil
}

// storeErr maps repository sentinels onto governance errors.
func storeErr(studyUID string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("report", studyUID)
	case errors.Is(err, ErrKeyImageNotFound):
		return apperr.NotFound("key image", studyUID)
	case errors.Is(err, ErrLocked):
		return apperr.Locked(studyUID)
	case errors.Is(err, ErrNotFinal):
		return apperr.NotFinal(studyUID)
	}
	return apperr.FromStore(err)
}

func actor(ctx context.Context) string {
	if id := auth.UserIDFromContext(ctx); id != "" {
		return id
	}
	return audit.SystemActor
}

func (s *Service) Get(ctx context.Context, studyUID string) (*Report, error) {
	if err := validateStudyUID(studyUID); err != nil {
		return nil, err
	}
	r, err := s.repo.Get(ctx, studyUID)
	if err != nil {
		return nil, storeErr(studyUID, err)
	}
	return r, nil
}

// Load reconciles the server copy with an optional client-held draft. The
// server copy always wins; the local draft is returned, unsaved, only when
// the server has no record.
func (s *Service) Load(ctx context.Context, studyUID string, local *LocalDraft) (*Loaded, error) {
	if err := validateStudyUID(studyUID); err != nil {
		return nil, err
	}
	r, err := s.repo.Get(ctx, studyUID)
	switch {
	case err == nil:
		return &Loaded{Report: r, Source: SourceServer}, nil
	case !errors.Is(err, ErrNotFound):
		return nil, storeErr(studyUID, err)
	}

	blank := &Report{StudyUID: studyUID, Status: StatusDraft}
	if local == nil || strings.TrimSpace(local.Content) == "" {
		return &Loaded{Report: blank, Source: SourceEmpty}, nil
	}
	blank.Content = local.Content
	blank.Title = local.Title
	blank.WorkflowNote = local.WorkflowNote
	blank.DraftSavedAt = local.SavedAt
	return &Loaded{Report: blank, Source: SourceLocal}, nil
}

// SaveDraft persists content on a draft or preliminary report, creating it
// when absent. Concurrent saves are last-write-wins.
func (s *Service) SaveDraft(ctx context.Context, studyUID, content string, md Metadata) (out *Report, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("report.save_draft", start, err) }()

	if err := validateStudyUID(studyUID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	r, err := s.repo.SaveEditable(ctx, &Report{
		StudyUID:     studyUID,
		Status:       StatusDraft,
		Content:      content,
		Title:        md.Title,
		WorkflowNote: md.WorkflowNote,
		DraftSavedAt: &now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, storeErr(studyUID, err)
	}
	s.audit.Record(ctx, audit.ActionReportDraftSaved, audit.EntityReport, studyUID, "")
	return r, nil
}

// SetPreliminary marks a non-final report preliminary with the supplied
// content. No sign-off is required.
func (s *Service) SetPreliminary(ctx context.Context, studyUID, content string, md Metadata) (out *Report, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("report.set_preliminary", start, err) }()

	if err := validateStudyUID(studyUID); err != nil {
		return nil, err
	}
	r, err := s.repo.SaveEditable(ctx, &Report{
		StudyUID:     studyUID,
		Status:       StatusPreliminary,
		Content:      content,
		Title:        md.Title,
		WorkflowNote: md.WorkflowNote,
		UpdatedAt:    s.now().UTC(),
	})
	if err != nil {
		return nil, storeErr(studyUID, err)
	}
	s.audit.Record(ctx, audit.ActionReportPreliminary, audit.EntityReport, studyUID, "")
	return r, nil
}

// Finalize signs the report off. Exactly one concurrent caller per study
// succeeds; the others get AlreadyFinalized. ReportFinalized is published
// after the write commits and its delivery never affects the result.
func (s *Service) Finalize(ctx context.Context, studyUID, content, signerName string, disclaimerAccepted bool, md Metadata) (out *Report, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("report.finalize", start, err) }()

	if err := validateStudyUID(studyUID); err != nil {
		return nil, err
	}
	if !disclaimerAccepted {
		return nil, apperr.Validation("the disclaimer must be accepted before sign-off")
	}
	signerName = strings.TrimSpace(signerName)
	if signerName == "" {
		return nil, apperr.Validation("signer_name is required for sign-off")
	}
	if strings.TrimSpace(content) == "" {
		return nil, apperr.Validation("a final report cannot be empty")
	}

	tctx, cancel := context.WithTimeout(ctx, s.finalizeTimeout)
	defer cancel()

	now := s.now().UTC()
	r, err := s.repo.Finalize(tctx, &Report{
		StudyUID:           studyUID,
		Status:             StatusFinal,
		Content:            content,
		Title:              md.Title,
		WorkflowNote:       md.WorkflowNote,
		DisclaimerAccepted: true,
		SignerName:         signerName,
		FinalizedAt:        &now,
		UpdatedAt:          now,
	})
	if errors.Is(err, ErrLocked) {
		return nil, apperr.AlreadyFinalized(studyUID)
	}
	if err != nil {
		return nil, storeErr(studyUID, err)
	}

	s.audit.Record(ctx, audit.ActionReportFinalized, audit.EntityReport, studyUID, signerName)

	evt := events.New(events.TypeReportFinalized, db.TenantFromContext(ctx), events.ReportFinalized{
		StudyUID:    r.StudyUID,
		Content:     r.Content,
		Title:       r.Title,
		SignerName:  r.SignerName,
		FinalizedAt: now,
		Metadata:    md.toMap(),
	})
	if s.publisher != nil && !s.publisher.Publish(ctx, evt) {
		s.logger.Warn().Str("study_uid", studyUID).Str("event_id", evt.ID).Msg("report finalized event not published")
	}
	return r, nil
}

// AddAddendum appends a note to a final report.
func (s *Service) AddAddendum(ctx context.Context, studyUID, note string) (out *Addendum, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("report.addendum", start, err) }()

	if err := validateStudyUID(studyUID); err != nil {
		return nil, err
	}
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, apperr.Validation("addendum note is required")
	}

	a := &Addendum{
		ID:        uuid.New(),
		StudyUID:  studyUID,
		Note:      note,
		AuthorID:  actor(ctx),
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.AddAddendum(ctx, a); err != nil {
		return nil, storeErr(studyUID, err)
	}
	s.audit.Record(ctx, audit.ActionAddendumAdded, audit.EntityReport, studyUID, a.ID.String())
	return a, nil
}

func (s *Service) ListAddenda(ctx context.Context, studyUID string) ([]*Addendum, error) {
	if _, err := s.Get(ctx, studyUID); err != nil {
		return nil, err
	}
	items, err := s.repo.ListAddenda(ctx, studyUID)
	if err != nil {
		return nil, storeErr(studyUID, err)
	}
	return items, nil
}

// UploadInput describes a key image upload.
type UploadInput struct {
	FileName    string
	ContentType string
	Caption     string
	Content     io.Reader
}

// UploadKeyImage stores the bytes and then the metadata. If the metadata
// write is refused the stored object is removed again.
func (s *Service) UploadKeyImage(ctx context.Context, studyUID string, in UploadInput) (out *KeyImage, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("report.key_image_upload", start, err) }()

	if err := validateStudyUID(studyUID); err != nil {
		return nil, err
	}
	data, contentType, err := readKeyImage(in)
	if err != nil {
		return nil, err
	}

	if r, err := s.repo.Get(ctx, studyUID); err == nil && !r.Status.Editable() {
		return nil, apperr.Locked(studyUID)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, storeErr(studyUID, err)
	}

	id := uuid.New()
	key := fmt.Sprintf("key-images/%s/%s%s", studyUID, id, keyImageExt[contentType])
	obj, err := s.blobs.Put(ctx, key, contentType, bytes.NewReader(data), map[string]string{
		"study-uid": studyUID,
		"file-name": in.FileName,
	})
	if err != nil {
		return nil, apperr.Unavailable(fmt.Errorf("store key image: %w", err))
	}

	k := &KeyImage{
		ID:          id,
		StudyUID:    studyUID,
		FileName:    cleanFileName(in.FileName, id, contentType),
		ContentType: contentType,
		Size:        obj.Size,
		SHA256:      obj.SHA256,
		StorageKey:  key,
		Caption:     strings.TrimSpace(in.Caption),
		CreatedBy:   actor(ctx),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.repo.AddKeyImage(ctx, k); err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			s.logger.Error().Err(derr).Str("storage_key", key).Msg("failed to remove orphaned key image")
		}
		return nil, storeErr(studyUID, err)
	}

	s.metrics.KeyImageUploaded(k.Size)
	s.audit.Record(ctx, audit.ActionKeyImageUploaded, audit.EntityKeyImage, k.ID.String(), studyUID)
	return k, nil
}

func readKeyImage(in UploadInput) ([]byte, string, error) {
	if in.Content == nil {
		return nil, "", apperr.Validation("file is required")
	}
	if len(in.Caption) > maxCaptionLength {
		return nil, "", apperr.Validation("caption must be at most %d characters", maxCaptionLength)
	}
	data, err := io.ReadAll(io.LimitReader(in.Content, MaxKeyImageSize+1))
	if err != nil {
		return nil, "", apperr.Validation("could not read upload: %v", err)
	}
	if len(data) == 0 {
		return nil, "", apperr.Validation("file is empty")
	}
	if len(data) > MaxKeyImageSize {
		return nil, "", apperr.Validation("key images are limited to %d MB", MaxKeyImageSize>>20)
	}

	declared := strings.ToLower(strings.TrimSpace(strings.Split(in.ContentType, ";")[0]))
	sniffed := sniffContentType(data)
	if sniffed == "" {
		return nil, "", apperr.Validation("only PNG, JPEG and DICOM key images are accepted")
	}
	if declared != "" && declared != "application/octet-stream" && declared != sniffed {
		return nil, "", apperr.Validation("declared content type %s does not match file contents (%s)", declared, sniffed)
	}
	return data, sniffed, nil
}

// sniffContentType recognises the accepted formats by magic bytes. DICOM
// Part 10 files carry "DICM" after a 128 byte preamble.
func sniffContentType(data []byte) string {
	if len(data) >= 132 && string(data[128:132]) == "DICM" {
		return ContentTypeDICOM
	}
	switch http.DetectContentType(data) {
	case ContentTypePNG:
		return ContentTypePNG
	case ContentTypeJPEG:
		return ContentTypeJPEG
	}
	return ""
}

func cleanFileName(name string, id uuid.UUID, contentType string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return id.String() + keyImageExt[contentType]
	}
	if len(name) > maxFileNameLength {
		name = name[:maxFileNameLength]
	}
	return name
}

func (s *Service) ListKeyImages(ctx context.Context, studyUID string) ([]*KeyImage, error) {
	if err := validateStudyUID(studyUID); err != nil {
		return nil, err
	}
	items, err := s.repo.ListKeyImages(ctx, studyUID)
	if err != nil {
		return nil, storeErr(studyUID, err)
	}
	return items, nil
}

// OpenKeyImage returns the image bytes. The caller closes the reader.
func (s *Service) OpenKeyImage(ctx context.Context, id uuid.UUID) (io.ReadCloser, *KeyImage, error) {
	k, err := s.repo.GetKeyImage(ctx, id)
	if err != nil {
		return nil, nil, storeErr(id.String(), err)
	}
	rc, _, err := s.blobs.Get(ctx, k.StorageKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, nil, apperr.NotFound("key image content", id.String())
	}
	if err != nil {
		return nil, nil, apperr.Unavailable(fmt.Errorf("read key image: %w", err))
	}
	return rc, k, nil
}

// RequestKeyImageDeletion is the first phase of a key image delete.
func (s *Service) RequestKeyImageDeletion(ctx context.Context, id uuid.UUID) (*confirm.Token, error) {
	k, err := s.repo.GetKeyImage(ctx, id)
	if err != nil {
		return nil, storeErr(id.String(), err)
	}
	if r, err := s.repo.Get(ctx, k.StudyUID); err == nil && !r.Status.Editable() {
		return nil, apperr.Locked(k.StudyUID)
	}
	return s.confirmer.Request(ctx, ActionDeleteKeyImage, audit.EntityKeyImage, id.String(), actor(ctx))
}

// DeleteKeyImage redeems token and removes the image.
func (s *Service) DeleteKeyImage(ctx context.Context, id uuid.UUID, token string) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("report.key_image_delete", start, err) }()

	if err := s.confirmer.Commit(ctx, token, ActionDeleteKeyImage, id.String(), actor(ctx)); err != nil {
		return err
	}
	k, err := s.repo.DeleteKeyImage(ctx, id)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			if img, gerr := s.repo.GetKeyImage(ctx, id); gerr == nil {
				return apperr.Locked(img.StudyUID)
			}
		}
		return storeErr(id.String(), err)
	}
	s.removeBlob(ctx, k)
	s.audit.Record(ctx, audit.ActionKeyImageDeleted, audit.EntityKeyImage, id.String(), k.StudyUID)
	return nil
}

// RequestKeyImagePurge is the first phase of removing every key image of a
// report.
func (s *Service) RequestKeyImagePurge(ctx context.Context, studyUID string) (*confirm.Token, error) {
	if err := validateStudyUID(studyUID); err != nil {
		return nil, err
	}
	if r, err := s.repo.Get(ctx, studyUID); err == nil && !r.Status.Editable() {
		return nil, apperr.Locked(studyUID)
	}
	return s.confirmer.Request(ctx, ActionPurgeKeyImages, audit.EntityReport, studyUID, actor(ctx))
}

// PurgeKeyImages redeems token and removes every key image of the report,
// returning how many were removed.
func (s *Service) PurgeKeyImages(ctx context.Context, studyUID, token string) (n int, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("report.key_image_purge", start, err) }()

	if err := validateStudyUID(studyUID); err != nil {
		return 0, err
	}
	if err := s.confirmer.Commit(ctx, token, ActionPurgeKeyImages, studyUID, actor(ctx)); err != nil {
		return 0, err
	}
	removed, err := s.repo.DeleteKeyImages(ctx, studyUID)
	if err != nil {
		return 0, storeErr(studyUID, err)
	}
	for _, k := range removed {
		s.removeBlob(ctx, k)
	}
	s.audit.Record(ctx, audit.ActionKeyImagesPurged, audit.EntityReport, studyUID, fmt.Sprintf("%d", len(removed)))
	return len(removed), nil
}

// removeBlob deletes stored bytes after the metadata row is gone. A failure
// leaves an unreferenced object, which is logged but not returned.
func (s *Service) removeBlob(ctx context.Context, k *KeyImage) {
	err := s.blobs.Delete(context.WithoutCancel(ctx), k.StorageKey)
	if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		s.logger.Error().Err(err).
			Str("study_uid", k.StudyUID).
			Str("storage_key", k.StorageKey).
			Msg("failed to remove key image content")
	}
}
