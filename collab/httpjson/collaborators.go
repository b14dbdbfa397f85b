package httpjson

import (
	"context"

	"github.com/agentstation/gestalt/pipeline"
)

type classifyInput struct {
	Problem string `json:"problem"`
}

// Classify implements pipeline.Classifier.
func (c *Client) Classify(ctx context.Context, problem string) (pipeline.Classification, error) {
	doc, err := c.call(ctx, EndpointClassify, classifyInput{Problem: problem}, c.schemas.classify)
	if err != nil {
		return pipeline.Classification{}, err
	}
	return pipeline.Classification{
		Title:  firstString(titlePath, doc),
		Type:   firstString(typePath, doc),
		Topics: allStrings(topicsPath, doc),
	}, nil
}

type generateInput struct {
	Kind           pipeline.Kind           `json:"kind"`
	Problem        string                  `json:"problem"`
	Reference      string                  `json:"reference,omitempty"`
	Classification pipeline.Classification `json:"classification"`
	Document       string                  `json:"document,omitempty"`
	Examples       []string                `json:"examples"`
}

// Generate implements pipeline.Generator. The artifact kind selects the
// endpoint generate/<kind>.
func (c *Client) Generate(ctx context.Context, req pipeline.GenerationRequest) (string, error) {
	in := generateInput{
		Kind:           req.Kind,
		Problem:        req.Problem,
		Reference:      req.Reference,
		Classification: req.Classification,
		Document:       req.Document,
		Examples:       req.Examples,
	}
	if in.Examples == nil {
		in.Examples = []string{}
	}
	doc, err := c.call(ctx, EndpointGenerate+"/"+string(req.Kind), in, c.schemas.content)
	if err != nil {
		return "", err
	}
	return firstString(contentPath, doc), nil
}

type retrieveInput struct {
	Query    string        `json:"query"`
	Adaptive bool          `json:"adaptive"`
	Kind     pipeline.Kind `json:"kind,omitempty"`
}

// Retrieve implements pipeline.Retriever.
func (c *Client) Retrieve(ctx context.Context, query string, adaptive bool) ([]string, error) {
	return c.retrieve(ctx, retrieveInput{Query: query, Adaptive: adaptive})
}

// ForKind returns a retriever that asks the service for examples of one
// output kind. The kind travels in the request body.
func (c *Client) ForKind(kind pipeline.Kind) pipeline.Retriever {
	return pipeline.RetrieverFunc(func(ctx context.Context, query string, adaptive bool) ([]string, error) {
		return c.retrieve(ctx, retrieveInput{Query: query, Adaptive: adaptive, Kind: kind})
	})
}

func (c *Client) retrieve(ctx context.Context, in retrieveInput) ([]string, error) {
	doc, err := c.call(ctx, EndpointRetrieve, in, c.schemas.examples)
	if err != nil {
		return nil, err
	}
	return allStrings(examplesPath, doc), nil
}

type validateInput struct {
	Draft     string `json:"draft"`
	Reference string `json:"reference"`
}

// Validate implements refine.Validator.
func (c *Client) Validate(ctx context.Context, draft, reference string) ([]string, error) {
	doc, err := c.call(ctx, EndpointValidate, validateInput{Draft: draft, Reference: reference}, c.schemas.discrepancies)
	if err != nil {
		return nil, err
	}
	return allStrings(discrepanciesPath, doc), nil
}

type improveInput struct {
	Draft         string   `json:"draft"`
	Discrepancies []string `json:"discrepancies"`
	Guidance      string   `json:"guidance,omitempty"`
}

// Improve implements refine.Improver.
func (c *Client) Improve(ctx context.Context, draft string, discrepancies []string, guidance string) (string, error) {
	if discrepancies == nil {
		discrepancies = []string{}
	}
	doc, err := c.call(ctx, EndpointImprove, improveInput{Draft: draft, Discrepancies: discrepancies, Guidance: guidance}, c.schemas.content)
	if err != nil {
		return "", err
	}
	return firstString(contentPath, doc), nil
}
