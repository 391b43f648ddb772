package summary

import "fmt"

const bulletSystemPrompt = "You are an assistant specialized in transcription and factual summarization. " +
	"Always respond in the same language as the text provided."

const detailedSystemPrompt = "You are an assistant specialized in factual summarization. " +
	"Always respond in the same language as the text provided."

func bulletPrompt(text, lang string) string {
	return fmt.Sprintf(`You are an assistant specialized in transcription and factual summarization.
First, detect the language of the provided text. Respond using the same language.

Task: Extract only the essential information from the text in clear, concise bullet points.

Important rules:
1. Do not invent information that does not appear in the transcript.
2. Keep phrasing close to the original text.
3. No introduction or conclusion, only bullet points.
4. Limit the summary to the essentials, no more than 10 points.
5. The text is in '%s', respond in this language.

Text to summarize:
%s

Bullet-point summary:`, lang, text)
}

func detailedPrompt(text, lang string) string {
	return fmt.Sprintf(`You are an assistant specialized in transcription and factual summarization.
First, detect the language of the provided text. Respond using the same language.

Task: Produce a detailed summary explaining the key facts and main ideas of the text.
It should be written in clear, concise paragraphs, with no bullet points, no introduction, and no conclusion.
The text is in '%s', respond in this language.

Text to summarize:
%s

Detailed summary:`, lang, text)
}
