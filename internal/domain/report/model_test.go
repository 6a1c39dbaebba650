package report

import "testing"

func TestStatus_Editable(t *testing.T) {
	tests := map[Status]bool{
		StatusDraft:       true,
		StatusPreliminary: true,
		StatusFinal:       false,
		Status("bogus"):   false,
	}
	for s, want := range tests {
		if got := s.Editable(); got != want {
			t.Errorf("%q.Editable() = %v, want %v", s, got, want)
		}
	}
}

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusPreliminary, true},
		{StatusPreliminary, StatusDraft, true},
		{StatusDraft, StatusFinal, true},
		{StatusPreliminary, StatusFinal, true},
		{StatusFinal, StatusDraft, false},
		{StatusFinal, StatusPreliminary, false},
		{StatusFinal, StatusFinal, false},
		{StatusDraft, Status("archived"), false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, ok := ParseStatus("preliminary"); !ok || s != StatusPreliminary {
		t.Errorf("expected preliminary, got %q %v", s, ok)
	}
	if _, ok := ParseStatus("FINAL"); ok {
		t.Error("expected status parsing to be case sensitive")
	}
}

func TestSniffContentType(t *testing.T) {
	dicom := make([]byte, 140)
	copy(dicom[128:], "DICM")

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"png", pngBytes, ContentTypePNG},
		{"jpeg", []byte("\xFF\xD8\xFF\xE0\x00\x10JFIF\x00"), ContentTypeJPEG},
		{"dicom", dicom, ContentTypeDICOM},
		{"pdf", []byte("%PDF-1.7\n"), ""},
		{"text", []byte("hello"), ""},
	}
	for _, tt := range tests {
		if got := sniffContentType(tt.data); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestMetadata_ToMap(t *testing.T) {
	m := Metadata{Title: "CT Chest"}.toMap()
	if m["title"] != "CT Chest" {
		t.Errorf("expected title, got %v", m)
	}
	if _, ok := m["workflow_note"]; ok {
		t.Error("expected empty workflow note to be omitted")
	}
}
