package providers

import (
	"fmt"
	"strings"
)

// Fixed prompt wrappers. These are templated text concatenations the adapters
// apply to every outgoing prompt; the wording is part of the product's
// content-policy and continuity conventions.

const policyDisclaimer = `This is an original marketing scene featuring a fictional adult presenter. The presenter is an unnamed, generic character and must not resemble or be associated with any real person, celebrity, or public figure.`

const voiceDirection = `The presenter speaks the script naturally to camera in a warm, confident marketing tone, with clear lip sync. No background music, no captions, no on-screen text.`

const continuityDirection = `Continue with the same presenter from the previous scene: identical face, hair, clothing, lighting, and camera framing. Do not re-describe or alter the presenter's appearance.`

// BuildScenePrompt wraps a raw scene prompt with the fixed content-policy
// disclaimer and voice direction. For scenes after the first, the continuity
// direction references "the same presenter" instead of the appearance — the
// convention that preserves visual continuity across scenes.
func BuildScenePrompt(prompt, script string, scene int) string {
	var b strings.Builder

	if scene > 1 {
		b.WriteString(continuityDirection)
		b.WriteString("\n\n")
	}

	b.WriteString(prompt)

	if script != "" {
		b.WriteString(fmt.Sprintf("\n\nThe presenter says, verbatim: %q", script))
		b.WriteString("\n\n")
		b.WriteString(voiceDirection)
	}

	b.WriteString("\n\n")
	b.WriteString(policyDisclaimer)

	return b.String()
}
