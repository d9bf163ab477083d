package chat

import (
	"fmt"

	"github.com/calinde/studybuddy/llm"
)

const systemPrompt = `You are a knowledgeable study tutor helping the student learn from their own materials.

IMPORTANT GUIDELINES:
- Answer questions based ONLY on the provided context from the student's notes and documents
- If the context doesn't contain enough information to answer the question, say so honestly
- Reference specific sources using [N] notation when making claims
- Be clear, concise, and educational in your explanations
- If asked to create quizzes or practice questions, base them on the context provided`

func buildMessages(history []llm.Message, contextText, question string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: formatUserPrompt(contextText, question)})
	return messages
}

func formatUserPrompt(contextText, question string) string {
	return fmt.Sprintf("Context from student's materials:\n%s\n\nStudent's question: %s", contextText, question)
}

func formatQAPrompt(contextText, question string) string {
	return fmt.Sprintf(`You are an AI assistant helping answer questions based solely on the provided context.

Context:
%s

Question: %s

Instructions:
- Answer based ONLY on the context above
- If the context doesn't contain enough information, say so
- Be concise and accurate
- Reference the context chunk numbers [1], [2], etc. when relevant

Answer:`, contextText, question)
}
