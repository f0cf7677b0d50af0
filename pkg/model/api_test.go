package model

import "testing"

func TestListOptions_Clamp(t *testing.T) {
	tests := []struct {
		name       string
		input      ListOptions
		wantLimit  int
		wantOffset int
	}{
		{"defaults", ListOptions{Limit: 0, Offset: 0}, 20, 0},
		{"negative limit", ListOptions{Limit: -5, Offset: 0}, 20, 0},
		{"over max", ListOptions{Limit: 200, Offset: 0}, 100, 0},
		{"negative offset", ListOptions{Limit: 10, Offset: -3}, 10, 0},
		{"valid", ListOptions{Limit: 50, Offset: 10}, 50, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.Clamp()
			if tt.input.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", tt.input.Limit, tt.wantLimit)
			}
			if tt.input.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", tt.input.Offset, tt.wantOffset)
			}
		})
	}
}

func TestDefaultListOptions(t *testing.T) {
	opts := DefaultListOptions()
	if opts.Limit != 20 {
		t.Errorf("Limit = %d, want 20", opts.Limit)
	}
	if opts.Offset != 0 {
		t.Errorf("Offset = %d, want 0", opts.Offset)
	}
}

func TestNewPagination(t *testing.T) {
	pg := NewPagination(45, ListOptions{Limit: 20, Offset: 20})
	if !pg.HasMore {
		t.Error("HasMore = false, want true")
	}
	pg = NewPagination(40, ListOptions{Limit: 20, Offset: 20})
	if pg.HasMore {
		t.Error("HasMore = true, want false")
	}
}

func TestListOptions_Window(t *testing.T) {
	tests := []struct {
		name   string
		opts   ListOptions
		n      int
		lo, hi int
	}{
		{"first page", ListOptions{Limit: 2}, 5, 0, 2},
		{"last partial page", ListOptions{Limit: 2, Offset: 4}, 5, 4, 5},
		{"past the end", ListOptions{Limit: 2, Offset: 9}, 5, 5, 5},
		{"empty", ListOptions{Limit: 20}, 0, 0, 0},
		{"negative offset", ListOptions{Limit: 3, Offset: -1}, 5, 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := tt.opts.Window(tt.n)
			if lo != tt.lo || hi != tt.hi {
				t.Errorf("Window(%d) = [%d:%d], want [%d:%d]", tt.n, lo, hi, tt.lo, tt.hi)
			}
		})
	}
}
