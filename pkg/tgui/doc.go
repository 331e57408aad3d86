// Package tgui holds the Telegram presentation helpers shared by the bot
// services: HTML-safe text for ParseMode="HTML", user mentions, inline
// buttons and "plugin:action:payload" callback data.
package tgui
