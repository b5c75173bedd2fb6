package ai

import (
	"fmt"
	"strings"
)

const imageAnalysisPrompt = `Analyze this image and provide a detailed description that would help someone find it through text search.

Include:
- Main subjects (people, animals, objects)
- Actions or activities
- Setting or location
- Mood or atmosphere
- Notable colors or visual elements
- Any text visible in the image

Be specific and use natural language that someone might use to search for this image.`

const videoFramePrompt = `Describe this single frame from a video. Mention the subjects, what they are doing, the setting and any visible text. Keep it to a few sentences.`

const videoSynthesisPrompt = `The following are descriptions of %d frames sampled in order from one video.

%s

Write one cohesive description of the whole video that would help someone find it through text search. Cover the main subjects and their actions, how the scene changes over time, the setting, the overall theme and any important text or visual elements. Describe it as a single video, not as separate frames.`

func synthesisPrompt(frameDescriptions []string) string {
	return fmt.Sprintf(videoSynthesisPrompt, len(frameDescriptions), strings.Join(frameDescriptions, "\n\n"))
}
