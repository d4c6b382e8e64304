package app

import "github.com/MrWong99/glyphone/internal/config"

// greetFirstDirective is appended to the persona when the caller wants the
// model to open the conversation.
const greetFirstDirective = "\n\nIMPORTANT: The user has just called you. You must speak first immediately. Greeting the user politely as per your persona."

// Instructions returns the instructions sent to the provider for cc.
func Instructions(cc config.CallConfig) string {
	if !cc.ShouldGreetFirst() {
		return cc.Instructions
	}
	return cc.Instructions + greetFirstDirective
}
