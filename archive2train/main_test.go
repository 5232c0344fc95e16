package main

import (
	"errors"
	"testing"
	"time"

	"github.com/brensch/reversi/game"
	"github.com/brensch/reversi/store"
)

func TestConvertGame(t *testing.T) {
	text := store.MakeGGF("a", "b", time.Now(), []string{"F5/1.2/40", "F6", "E6", "F4"}, "+R")
	rows, err := ConvertGame(text, false)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows=%d want 4", len(rows))
	}
	if rows[0].Own != game.InitialBlack || rows[0].Policy[44] != 1 || rows[0].Value != 1 {
		t.Fatalf("first row=%+v", rows[0])
	}
	for i, r := range rows {
		want := float32(1)
		if i%2 == 1 {
			want = -1
		}
		if r.Value != want || int(r.Turn) != i {
			t.Fatalf("row %d value=%v turn=%d", i, r.Value, r.Turn)
		}
	}

	augmented, err := ConvertGame(text, true)
	if err != nil || len(augmented) != 4*game.NumSymmetries {
		t.Fatalf("augmented rows=%d err=%v", len(augmented), err)
	}
}

func TestConvertGameRejectsIllegalMove(t *testing.T) {
	text := store.MakeGGF("", "", time.Now(), []string{"A1"}, "+R")
	if _, err := ConvertGame(text, false); !errors.Is(err, store.ErrMalformedGGF) {
		t.Fatalf("err=%v want ErrMalformedGGF", err)
	}
}

func TestConvertGameNeedsResult(t *testing.T) {
	text := store.MakeGGF("", "", time.Now(), []string{"F5"}, "")
	if _, err := ConvertGame(text, false); !errors.Is(err, errNoResult) {
		t.Fatalf("err=%v want errNoResult", err)
	}
}
