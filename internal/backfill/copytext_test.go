package backfill

import (
	"bytes"
	"io"
	"testing"
)

func TestCopyTextReaderBasicRows(t *testing.T) {
	data := "1\tfoo\t\\N\n2\tbar\tbaz\n\\.\n"
	r := newCopyTextReader(bytes.NewReader([]byte(data)))

	row1, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(row1[0]) != "1" || string(row1[1]) != "foo" || row1[2] != nil {
		t.Fatalf("row1 = %v", row1)
	}

	row2, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(row2[0]) != "2" || string(row2[1]) != "bar" || string(row2[2]) != "baz" {
		t.Fatalf("row2 = %v", row2)
	}

	_, err = r.Next()
	if err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestCopyTextReaderEscapes(t *testing.T) {
	data := "a\\tb\tc\\nd\t\\\\\n\\.\n"
	r := newCopyTextReader(bytes.NewReader([]byte(data)))
	row, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(row[0]) != "a\tb" {
		t.Fatalf("field 0 = %q", row[0])
	}
	if string(row[1]) != "c\nd" {
		t.Fatalf("field 1 = %q", row[1])
	}
	if string(row[2]) != "\\" {
		t.Fatalf("field 2 = %q", row[2])
	}
}

func TestCopyTextReaderEmptyField(t *testing.T) {
	data := "\t1\n\\.\n"
	r := newCopyTextReader(bytes.NewReader([]byte(data)))
	row, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if row[0] == nil || string(row[0]) != "" {
		t.Fatalf("expected empty non-null field, got %v", row[0])
	}
}
