// Package prompt builds the conversations sent to the answer generator. The
// customer prompt carries the escalation-marker convention the classifier
// parses; the rewrite prompt turns a human operator's answer into a polished
// customer-facing response.
package prompt

import (
	"fmt"
	"time"

	"github.com/kalambet/deskd/internal/classify"
	"github.com/kalambet/deskd/internal/provider"
)

const defaultCompanyName = "Our Company"

// Builder assembles generator conversations for one company.
type Builder struct {
	companyName string
}

// NewBuilder creates a Builder. An empty company name falls back to a
// neutral default.
func NewBuilder(companyName string) *Builder {
	if companyName == "" {
		companyName = defaultCompanyName
	}
	return &Builder{companyName: companyName}
}

// CustomerConversation returns the system+user message pair for an inbound
// customer question. The system prompt instructs the model to answer as a
// company representative and to emit the escalation marker when the question
// needs human review.
func (b *Builder) CustomerConversation(question string) []provider.Message {
	system := fmt.Sprintf(`You are an advanced AI representative employed by %s. Your primary role is to interact with customers in a manner that is clear, concise, and engaging. You must only share information that is necessary and directly relevant to the customer's query, ensuring your language is professional and friendly.

Key behavioral guidelines:

Customer interaction:
- Provide accurate, concise, and relevant responses to customer inquiries.
- Use language that is professional yet engaging, reflecting the reliability of a seasoned employee.

Information control:
- Share only essential information related to the customer's query; avoid overloading the customer with unnecessary details.
- If a query is highly complex, ambiguous, or outside your standard knowledge, provide a succinct response while noting that additional insights are being reviewed.

Behind-the-scenes communication:
- If you encounter a new or unanticipated question, or when you assess that the query represents a novel problem beyond your current capacity, include an internal note in this exact format: %s brief description of why this needs human attention%s`,
		b.companyName, classify.Marker, classify.Terminator)

	now := time.Now().UTC()
	return []provider.Message{
		{Role: "system", Content: system, Timestamp: now},
		{Role: "user", Content: question, Timestamp: now},
	}
}

// RewriteConversation returns the conversation that asks the model to turn a
// human operator's answer into a customer-facing response. No escalation
// marker is expected at this stage; the whole output is visible.
func (b *Builder) RewriteConversation(question, humanAnswer string) []provider.Message {
	system := fmt.Sprintf(`A customer asked this question: %q

A human employee has provided this answer: %q

Please formulate a professional, friendly response to the customer based on the human employee's answer. Make sure the response is clear, concise, and helpful. Do not include any internal notes.`,
		question, humanAnswer)

	return []provider.Message{
		{Role: "system", Content: system, Timestamp: time.Now().UTC()},
	}
}
