package main

import (
	"fmt"

	"github.com/ternarybob/banner"
)

func printBanner() {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(60)

	fmt.Println()
	b.PrintTopLine()
	b.PrintCenteredText("buildmodectl")
	b.PrintCenteredText("control-plane registry and manifest validator")
	b.PrintBottomLine()
	fmt.Println()
}
