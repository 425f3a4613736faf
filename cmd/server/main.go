package main

import (
	"go.uber.org/fx"

	"github.com/vedran77/portal/internal/app"
)

func main() {
	fx.New(app.Gateway).Run()
}
