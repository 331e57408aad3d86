package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline builds inline keyboards row by row.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

func (i *Inline) Row(btn ...tele.Btn) *Inline {
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Btn creates a callback button carrying raw data (see Data).
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// SingleButton is the markup for a message with exactly one callback button.
func SingleButton(text, data string) *tele.ReplyMarkup {
	return NewInline().Row(Btn(text, data)).Markup()
}
