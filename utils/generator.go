package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"coldreach/services"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

const openAIChatURL = "https://api.openai.com/v1/chat/completions"

// AIGenerator writes step emails with an OpenAI chat model and falls back to the step template
type AIGenerator struct {
	APIKey   string
	Model    string
	Endpoint string
	Client   *fasthttp.Client
	Logger   *logrus.Entry
}

func NewAIGenerator(apiKey, model string, logger *logrus.Entry) *AIGenerator {
	return &AIGenerator{
		APIKey:   apiKey,
		Model:    model,
		Endpoint: openAIChatURL,
		Client:   &fasthttp.Client{ReadTimeout: 90 * time.Second, WriteTimeout: 30 * time.Second},
		Logger:   logger,
	}
}

func placeholders(req services.GenerationRequest) *strings.Replacer {
	var first, last, company, title, senderName, senderCompany string
	if l := req.Lead; l != nil {
		first, last, company, title = l.FirstName, l.LastName, l.Company, l.Title
	}
	if p := req.Profile; p != nil {
		senderName, senderCompany = p.SenderName, p.SenderCompany
	}
	if first == "" {
		first = "there"
	}
	return strings.NewReplacer(
		"{first_name}", first,
		"{last_name}", last,
		"{company}", company,
		"{title}", title,
		"{sender_name}", senderName,
		"{sender_company}", senderCompany,
	)
}

// toHTML wraps plain text in paragraphs; bodies that already contain markup pass through
func toHTML(body string) string {
	if strings.Contains(body, "<") && strings.Contains(body, ">") {
		return body
	}
	var b strings.Builder
	for _, para := range strings.Split(strings.TrimSpace(body), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

// ErrNoTemplate is returned when a step has neither a usable template nor AI generation
var ErrNoTemplate = errors.New("step has no template and AI generation is unavailable")

func renderSubject(req services.GenerationRequest, r *strings.Replacer) string {
	subject := strings.TrimSpace(r.Replace(req.Step.Subject))
	if subject == "" {
		subject = req.Step.Name
	}
	return subject
}

// RenderTemplate fills the step's subject and template placeholders.
// The AI prompt is never mailed, so a step without a template is an error.
func RenderTemplate(req services.GenerationRequest) (services.GeneratedEmail, error) {
	if strings.TrimSpace(req.Step.Template) == "" {
		return services.GeneratedEmail{}, fmt.Errorf("step %d: %w", req.Step.StepNumber, ErrNoTemplate)
	}
	r := placeholders(req)
	return services.GeneratedEmail{Subject: renderSubject(req, r), Body: toHTML(r.Replace(req.Step.Template))}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func buildPrompt(req services.GenerationRequest) string {
	var b strings.Builder
	l := req.Lead
	fmt.Fprintf(&b, "Write a cold outreach email.\n\nRecipient: %s", l.FullName())
	if l.Title != "" {
		fmt.Fprintf(&b, ", %s", l.Title)
	}
	if l.Company != "" {
		fmt.Fprintf(&b, " at %s", l.Company)
	}
	if l.Industry != "" {
		fmt.Fprintf(&b, " (%s)", l.Industry)
	}
	if p := req.Profile; p != nil {
		fmt.Fprintf(&b, "\nSender: %s", p.SenderName)
		if p.SenderTitle != "" {
			fmt.Fprintf(&b, ", %s", p.SenderTitle)
		}
		if p.SenderCompany != "" {
			fmt.Fprintf(&b, " at %s", p.SenderCompany)
		}
	}
	fmt.Fprintf(&b, "\nThis is step %d of the sequence.\n\nInstructions: %s", req.Step.StepNumber, req.Step.AIPrompt)
	if req.Step.Subject != "" {
		fmt.Fprintf(&b, "\nUse this subject line as a starting point: %s", req.Step.Subject)
	}
	for _, prev := range req.PreviousEmails {
		fmt.Fprintf(&b, "\n\nPrevious email (step %d)\nSubject: %s\n%s", prev.StepNumber, prev.Subject, prev.Body)
	}
	b.WriteString("\n\nRespond with a JSON object with the keys \"subject\" and \"body\". The body is plain text.")
	return b.String()
}

func (g *AIGenerator) complete(ctx context.Context, req services.GenerationRequest) (services.GeneratedEmail, error) {
	payload, err := json.Marshal(chatRequest{
		Model: g.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You write short, personal B2B outreach emails. No placeholders, no markdown."},
			{Role: "user", Content: buildPrompt(req)},
		},
		Temperature:    0.7,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return services.GeneratedEmail{}, err
	}

	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(g.Endpoint)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.APIKey)
	httpReq.SetBody(payload)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(60 * time.Second)
	}
	if err := g.Client.DoDeadline(httpReq, httpResp, deadline); err != nil {
		return services.GeneratedEmail{}, fmt.Errorf("openai request: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(httpResp.Body(), &parsed); err != nil {
		return services.GeneratedEmail{}, fmt.Errorf("openai response: %w", err)
	}
	if status := httpResp.StatusCode(); status != fasthttp.StatusOK {
		msg := fmt.Sprintf("status %d", status)
		if parsed.Error != nil {
			msg += ": " + parsed.Error.Message
		}
		return services.GeneratedEmail{}, errors.New("openai " + msg)
	}
	if len(parsed.Choices) == 0 {
		return services.GeneratedEmail{}, errors.New("openai returned no choices")
	}

	var out struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &out); err != nil {
		return services.GeneratedEmail{}, fmt.Errorf("openai content: %w", err)
	}
	if strings.TrimSpace(out.Body) == "" {
		return services.GeneratedEmail{}, errors.New("openai returned an empty body")
	}
	if strings.TrimSpace(out.Subject) == "" {
		out.Subject = renderSubject(req, placeholders(req))
	}
	return services.GeneratedEmail{Subject: out.Subject, Body: toHTML(out.Body)}, nil
}

// Generate uses the model when a key and prompt are present. Model failures fall back to the
// step template; without a template the failure is returned so the send is retried.
func (g *AIGenerator) Generate(ctx context.Context, req services.GenerationRequest) (services.GeneratedEmail, error) {
	if req.Step == nil || req.Lead == nil {
		return services.GeneratedEmail{}, errors.New("generation needs a step and a lead")
	}
	if g.APIKey == "" || strings.TrimSpace(req.Step.AIPrompt) == "" {
		return RenderTemplate(req)
	}

	email, err := g.complete(ctx, req)
	if err == nil {
		return email, nil
	}
	if strings.TrimSpace(req.Step.Template) != "" {
		if g.Logger != nil {
			g.Logger.WithError(err).WithField("step", req.Step.StepNumber).Warn("AI generation failed, using step template")
		}
		return RenderTemplate(req)
	}
	return services.GeneratedEmail{}, err
}
