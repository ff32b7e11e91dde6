package main

import (
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"
)

// writeAddress prints addr followed by a QR code a phone can scan from the
// terminal
func writeAddress(w io.Writer, p *Profile, invert bool) error {
	qr, err := qrcode.New(p.Address, qrcode.Medium)
	if err != nil {
		return err
	}
	if p.Username != "" {
		fmt.Fprintf(w, "%s (%s)\n", p.Address, p.Username)
	} else {
		fmt.Fprintln(w, p.Address)
	}
	_, err = io.WriteString(w, qr.ToSmallString(invert))
	return err
}

var addressCommand = &cli.Command{
	Name:  "address",
	Usage: "Print your address and its QR code",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "invert", Usage: "Invert QR colors for light terminals"},
		&cli.StringFlag{Name: "png", Usage: "Also write the QR code to this PNG file"},
	},
	Action: func(ctx *cli.Context) error {
		a := getApp(ctx)
		p, err := a.resolveProfile(ctx.Context)
		if err != nil {
			return err
		}
		if err := writeAddress(ctx.App.Writer, p, ctx.Bool("invert")); err != nil {
			return err
		}
		if path := ctx.String("png"); path != "" {
			return qrcode.WriteFile(p.Address, qrcode.Medium, 256, path)
		}
		return nil
	},
}
