package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dkeye/ptt/internal/domain"
)

// console prints session cues to the terminal.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) SpeakerStarted(ch domain.ChannelName, claim domain.SpeakerClaim) {
	c.printf("[%s] %s is talking", ch, claim.HolderName)
}

func (c *console) SpeakerEnded(ch domain.ChannelName, prev domain.SpeakerClaim) {
	c.printf("[%s] %s is done", ch, prev.HolderName)
}

func (c *console) TransmitStateChanged(on bool) {
	if on {
		c.printf("** transmitting, 'o' to release **")
		return
	}
	c.printf("** idle **")
}

func (c *console) TransmitDisabled(err error) {
	c.printf("microphone failed, transmit disabled: %v", err)
}

func (c *console) ChatMessage(m domain.ChatMessage) {
	c.printf("%s <%s> %s", time.UnixMilli(m.Timestamp).Format("15:04"), m.Sender, m.Text)
}

func (c *console) Alert(a domain.Alert) {
	c.printf("!! ALERT from %s !!", a.Sender)
}

func (c *console) SystemMessage(text string) {
	c.printf("-- %s", text)
}
