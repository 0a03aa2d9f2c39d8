package main

import (
	"os"

	"github.com/nuetzliches/busdeck/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
