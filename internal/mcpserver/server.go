// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the knowledge base to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/docservice"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/rag"
)

const documentsURI = "ansuz://documents"

// Server wraps the MCP server. Every tool acts as one owner.
type Server struct {
	mcp            *server.MCPServer
	svc            *docservice.Service
	ownerID        string
	graphThreshold float64
}

// New creates a new MCP server with all tools registered.
func New(svc *docservice.Service, ownerID string, graphThreshold float64) *Server {
	s := &Server{svc: svc, ownerID: ownerID, graphThreshold: graphThreshold}

	s.mcp = server.NewMCPServer(
		"Ansuz",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_knowledge",
		mcp.WithDescription("Semantic search over saved web pages. Returns the most relevant passages, best first, with their source URL."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural language query")),
		mcp.WithNumber("limit", mcp.Description("Maximum passages to return (default 5)")),
	), s.searchKnowledge)

	s.mcp.AddTool(mcp.NewTool("ask_knowledge",
		mcp.WithDescription("Answer a question using only the saved web pages, citing sources."),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question to answer")),
	), s.askKnowledge)

	s.mcp.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List saved web pages, newest first."),
	), s.listDocuments)

	s.mcp.AddTool(mcp.NewTool("ingest_url",
		mcp.WithDescription("Scrape a web page and add it to the knowledge base."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Absolute http(s) URL")),
	), s.ingestURL)

	s.mcp.AddTool(mcp.NewTool("delete_document",
		mcp.WithDescription("Delete a saved page and all its passages."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id as returned by list_documents")),
	), s.deleteDocument)

	s.mcp.AddTool(mcp.NewTool("get_graph",
		mcp.WithDescription("Return the document similarity graph as {nodes, links}."),
		mcp.WithNumber("threshold", mcp.Description("Links require similarity strictly above this value (default 0.6)")),
	), s.getGraph)

	s.mcp.AddResource(
		mcp.NewResource(documentsURI, "Saved documents",
			mcp.WithResourceDescription("JSON list of every saved page without content."),
			mcp.WithMIMEType("application/json"),
		),
		s.readDocumentsResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

type passage struct {
	Rank       int     `json:"rank"`
	SourceID   string  `json:"sourceId"`
	DocumentID string  `json:"documentId"`
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Similarity float64 `json:"similarity"`
	Content    string  `json:"content"`
}

func (s *Server) searchKnowledge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := int(req.GetFloat("limit", 0))

	res, err := s.svc.Search(ctx, s.ownerID, query)
	if err != nil {
		return toolError(err), nil
	}
	if !res.Grounded {
		return mcp.NewToolResultText("no matching passages"), nil
	}

	matches := res.Matches
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	out := make([]passage, 0, len(matches))
	for i, m := range matches {
		doc := res.Documents[m.DocumentID]
		out = append(out, passage{
			Rank:       i + 1,
			SourceID:   m.ChunkID,
			DocumentID: m.DocumentID,
			Title:      doc.DisplayTitle(),
			URL:        doc.URL,
			Similarity: m.Similarity,
			Content:    m.Content,
		})
	}
	return jsonResult(out)
}

func (s *Server) askKnowledge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	events, err := s.svc.Chat(ctx, s.ownerID, []models.Message{{Role: models.RoleUser, Content: question}})
	if err != nil {
		return toolError(err), nil
	}
	answer, sources, err := rag.Answer(ctx, events)
	if err != nil {
		return toolError(err), nil
	}

	var b strings.Builder
	b.WriteString(answer)
	if len(sources) > 0 {
		b.WriteString("\n\nSources:\n")
		for i, src := range sources {
			fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, src.Title, src.URL)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) listDocuments(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs, err := s.svc.List(ctx, s.ownerID)
	if err != nil {
		return toolError(err), nil
	}
	if len(docs) == 0 {
		return mcp.NewToolResultText("no documents"), nil
	}
	lines := make([]string, len(docs))
	for i, d := range docs {
		lines[i] = fmt.Sprintf("%s\t%s\t%s", d.ID, d.DisplayTitle(), d.URL)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) ingestURL(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.svc.Ingest(ctx, s.ownerID, url)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("ingested: %s (%s)", doc.ID, doc.DisplayTitle())), nil
}

func (s *Server) deleteDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.Delete(ctx, s.ownerID, id); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted: %s", id)), nil
}

func (s *Server) getGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threshold := req.GetFloat("threshold", s.graphThreshold)
	g, err := s.svc.Graph(ctx, s.ownerID, threshold)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(g)
}

func (s *Server) readDocumentsResource(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	docs, err := s.svc.List(ctx, s.ownerID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(docs)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      documentsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// toolError reports err to the client with the same client-safe text the
// HTTP API uses.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(apperr.Message(err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(out)), nil
}
