package packs

import "fmt"

// RenderPrompt formats the SMS question for the prop at the zero-based index of a pack with total props.
func RenderPrompt(index, total int, prop Prop) string {
	return fmt.Sprintf("%d/%d %s\nReply A) %s or B) %s", index+1, total, prop.Text, prop.SideALabel, prop.SideBLabel)
}

// RenderCompletion formats the closing message sent after the last prop is answered.
func RenderCompletion(pack Pack, baseURL string) string {
	return fmt.Sprintf("You're all set! Track your takes for %s: %s", pack.Title, pack.Link(baseURL))
}

// RenderClosed formats the reply to an answer that arrives after the pack stopped taking takes.
func RenderClosed(pack Pack, baseURL string) string {
	return fmt.Sprintf("%s is closed to new takes. See your picks: %s", pack.Title, pack.Link(baseURL))
}
