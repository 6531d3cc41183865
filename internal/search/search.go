package search

import (
	"strconv"

	"manchengo/api/internal/store"
)

// Kind identifies the catalog entity behind a search hit.
type Kind string

const (
	KindMP       Kind = "mp"
	KindPF       Kind = "pf"
	KindSupplier Kind = "supplier"
)

func ParseKind(raw string) (Kind, bool) {
	switch Kind(raw) {
	case "":
		return "", true
	case KindMP, KindPF, KindSupplier:
		return Kind(raw), true
	}
	return "", false
}

// Result is a single search hit returned to the caller.
type Result struct {
	Kind     Kind   `json:"kind"`
	EntityID int64  `json:"entityId"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Snippet  string `json:"snippet,omitempty"`
	IsActive bool   `json:"isActive"`
}

// Query describes a search request.
type Query struct {
	Text  string
	Kind  Kind // empty = every kind
	Limit int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Record is the document pushed to the search index.
type Record struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	EntityID int64  `json:"entityId"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Extra    string `json:"extra,omitempty"`
	IsActive bool   `json:"isActive"`
}

func recordID(kind Kind, id int64) string {
	return string(kind) + "-" + strconv.FormatInt(id, 10)
}

func SupplierRecord(s store.Supplier) Record {
	return Record{ID: recordID(KindSupplier, s.ID), Kind: KindSupplier, EntityID: s.ID, Code: s.Code, Name: s.Name, Extra: s.NIF, IsActive: s.IsActive}
}

func ProductMPRecord(p store.ProductMP) Record {
	return Record{ID: recordID(KindMP, p.ID), Kind: KindMP, EntityID: p.ID, Code: p.Code, Name: p.Name, Extra: p.Category, IsActive: p.IsActive}
}

func ProductPFRecord(p store.ProductPF) Record {
	return Record{ID: recordID(KindPF, p.ID), Kind: KindPF, EntityID: p.ID, Code: p.Code, Name: p.Name, IsActive: p.IsActive}
}
