package main

import (
	"testing"

	"github.com/medbazaar/medbazaar/internal/app"
	_ "github.com/medbazaar/medbazaar/testing"
)

func TestWorkerSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	if !app.InTestMode() {
		t.Fatal("expected test mode")
	}
	main()
}
