package model

// KnowledgeArticle is a tenant-scoped reference snippet used for grounding.
type KnowledgeArticle struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}
