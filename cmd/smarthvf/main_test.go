package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"smarthvf/internal/models"
	"smarthvf/pkg/session"
	"smarthvf/pkg/visualization"
)

func TestListGallery(t *testing.T) {
	g := visualization.NewGallery(t.TempDir(), "SmartHVF")

	var buf bytes.Buffer
	if err := listGallery(&buf, g); err != nil {
		t.Fatalf("listGallery failed: %v", err)
	}
	if !strings.Contains(buf.String(), "0 image(s)") {
		t.Errorf("Expected an empty album, got %q", buf.String())
	}

	if _, err := g.SaveImage("2024-03-01_10-00-00-map.png", visualization.RasterImage(models.NewRaster(2, 2))); err != nil {
		t.Fatalf("SaveImage failed: %v", err)
	}
	buf.Reset()
	if err := listGallery(&buf, g); err != nil {
		t.Fatalf("listGallery failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "1 image(s)") || !strings.Contains(out, "2024-03-01_10-00-00-map.png") {
		t.Errorf("Expected the exported map in the listing, got %q", out)
	}
}

func TestReadTerminal(t *testing.T) {
	latch := &session.Latch{}
	readTerminal(context.Background(), strings.NewReader("\n"), latch)
	if in := latch.Poll(); !in.Acknowledged || in.Abort {
		t.Errorf("Expected an acknowledgement, got %+v", in)
	}

	readTerminal(context.Background(), strings.NewReader("q\n"), latch)
	if in := latch.Poll(); !in.Abort {
		t.Errorf("Expected an abort, got %+v", in)
	}
}
