package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
)

// console prints reporting events for an interactive session.
type console struct {
	w io.Writer
}

func (c console) line(tag, msg string) {
	fmt.Fprintf(c.w, "%s %s %s\n", color.GreenString(time.Now().Format("15:04:05")), tag, msg)
}

func (c console) ReportingStatusChanged(reporting bool) {
	if reporting {
		c.line(color.BlueString("STATUS"), "connected, reporting enabled")
	} else {
		c.line(color.YellowString("STATUS"), "disconnected")
	}
}

func (c console) SpeedReported(topic, message string) {
	c.line(color.MagentaString("REPORT"), color.CyanString(topic)+" "+message)
}

func (c console) ErrorOccurred(err error) {
	c.line(color.RedString("ERROR"), err.Error())
}

func (c console) MessageReceived(topic string, payload []byte) {
	c.line(color.HiBlueString("ALERT"), color.CyanString(topic)+" "+string(payload))
}
