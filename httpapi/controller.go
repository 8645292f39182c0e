// Package httpapi is the thin REST adapter over package engine, grounded
// on server/resource_controller.go's ResourceController (one handler set
// registered per resource type) and server/errors.go's ErrorToOpOutcome,
// generalized into a single catch-all :resourceType route since routing
// here is data-driven (package routing) rather than generated per type.
package httpapi

import (
	"bytes"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/medblocks/fhir-core/apperror"
	"github.com/medblocks/fhir-core/audit"
	"github.com/medblocks/fhir-core/bundle"
	"github.com/medblocks/fhir-core/engine"
	"github.com/medblocks/fhir-core/everything"
	"github.com/medblocks/fhir-core/history"
	"github.com/medblocks/fhir-core/resource"
	"github.com/medblocks/fhir-core/search"
)

// Controller adapts one engine.Engine onto gin's routing surface.
type Controller struct {
	Engine *engine.Engine
}

// NewController builds a Controller over e.
func NewController(e *engine.Engine) *Controller {
	return &Controller{Engine: e}
}

// RegisterRoutes wires spec §6's external interface onto router, the way
// server/server_setup.go's RegisterRoutes call wires one ResourceController
// per type -- here a single data-driven controller serves every type
// package routing knows about.
func (c *Controller) RegisterRoutes(router *gin.Engine) {
	router.POST("/", c.applyBundle)

	rt := router.Group("/:resourceType")
	rt.POST("", c.create)
	rt.PUT("", c.conditionalUpdate)
	rt.GET("", c.search)
	rt.POST("/_search", c.search)
	rt.GET("/:id", c.read)
	rt.PUT("/:id", c.update)
	rt.DELETE("/:id", c.delete)
	rt.GET("/:id/_history", c.history)
	rt.GET("/:id/_history/:vid", c.vread)
	rt.GET("/:id/$everything", c.everything)
}

func principal(c *gin.Context) audit.Principal {
	return audit.Principal{Kind: "user", ID: c.GetHeader("X-User-Id")}
}

func writeOutcome(c *gin.Context, err error) {
	appErr := apperror.Classify(err)
	if appErr.Kind == apperror.Internal {
		glog.Errorf("httpapi: internal error: %+v", err)
	}
	c.JSON(appErr.Kind.HTTPStatus(), gin.H{
		"resourceType": "OperationOutcome",
		"issue": []gin.H{{
			"severity":    "error",
			"code":        appErr.Kind.String(),
			"diagnostics": appErr.Message,
		}},
	})
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := ioutil.ReadAll(c.Request.Body)
	if err != nil {
		return nil, apperror.Wrap(apperror.Validation, err, "failed to read request body")
	}
	return body, nil
}

func writeResource(c *gin.Context, status int, res *resource.Resource) {
	if res != nil {
		c.Header("ETag", `W/"`+res.VersionId()+`"`)
		if lu, err := res.LastUpdatedTime(); err == nil {
			c.Header("Last-Modified", lu.UTC().Format(time.RFC1123))
		}
		c.Data(status, "application/fhir+json; charset=utf-8", res.JSONBytes())
		return
	}
	c.Status(status)
}

func (c *Controller) create(ctx *gin.Context) {
	body, err := readBody(ctx)
	if err != nil {
		writeOutcome(ctx, err)
		return
	}
	res, err := resource.NewFromJSON(body)
	if err != nil {
		writeOutcome(ctx, apperror.Wrap(apperror.Validation, err, "invalid resource body"))
		return
	}

	reqCtx := audit.WithPrincipal(ctx.Request.Context(), principal(ctx))

	if ifNoneExist := ctx.GetHeader("If-None-Exist"); ifNoneExist != "" {
		criteria, parseErr := url.ParseQuery(ifNoneExist)
		if parseErr != nil {
			writeOutcome(ctx, apperror.Validationf("invalid If-None-Exist: %v", parseErr))
			return
		}
		created, existed, condErr := c.Engine.ConditionalCreate(reqCtx, res.ResourceType(), map[string][]string(criteria), res)
		if condErr != nil {
			writeOutcome(ctx, condErr)
			return
		}
		if existed {
			ctx.Status(http.StatusOK)
			return
		}
		ctx.Header("Location", created.Key())
		writeResource(ctx, http.StatusCreated, created)
		return
	}

	created, err := c.Engine.Create(reqCtx, res)
	if err != nil {
		writeOutcome(ctx, err)
		return
	}
	ctx.Header("Location", created.Key())
	writeResource(ctx, http.StatusCreated, created)
}

func ifMatchVersion(ctx *gin.Context) string {
	v := ctx.GetHeader("If-Match")
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}

func (c *Controller) update(ctx *gin.Context) {
	resourceType := ctx.Param("resourceType")
	id := ctx.Param("id")

	body, err := readBody(ctx)
	if err != nil {
		writeOutcome(ctx, err)
		return
	}
	res, err := resource.NewFromJSON(body)
	if err != nil {
		writeOutcome(ctx, apperror.Wrap(apperror.Validation, err, "invalid resource body"))
		return
	}

	reqCtx := audit.WithPrincipal(ctx.Request.Context(), principal(ctx))
	updated, createdNew, err := c.Engine.Update(reqCtx, resourceType, id, ifMatchVersion(ctx), res)
	if err != nil {
		writeOutcome(ctx, err)
		return
	}
	status := http.StatusOK
	if createdNew {
		status = http.StatusCreated
		ctx.Header("Location", updated.Key())
	}
	writeResource(ctx, status, updated)
}

// conditionalUpdate handles "PUT /Type?criteria" (no id in the path),
// spec §4.5's PUT-side conditional resolution.
func (c *Controller) conditionalUpdate(ctx *gin.Context) {
	resourceType := ctx.Param("resourceType")
	if ctx.Request.URL.RawQuery == "" {
		writeOutcome(ctx, apperror.Validationf("PUT %s requires either an id or search criteria", resourceType))
		return
	}

	body, err := readBody(ctx)
	if err != nil {
		writeOutcome(ctx, err)
		return
	}
	res, err := resource.NewFromJSON(body)
	if err != nil {
		writeOutcome(ctx, apperror.Wrap(apperror.Validation, err, "invalid resource body"))
		return
	}

	criteria := map[string][]string(ctx.Request.URL.Query())
	reqCtx := audit.WithPrincipal(ctx.Request.Context(), principal(ctx))
	updated, createdNew, err := c.Engine.ConditionalUpdate(reqCtx, resourceType, criteria, res)
	if err != nil {
		writeOutcome(ctx, err)
		return
	}
	status := http.StatusOK
	if createdNew {
		status = http.StatusCreated
		ctx.Header("Location", updated.Key())
	}
	writeResource(ctx, status, updated)
}

func (c *Controller) read(ctx *gin.Context) {
	resourceType := ctx.Param("resourceType")
	id := ctx.Param("id")
	res, err := c.Engine.Read(ctx.Request.Context(), resourceType, id)
	if err != nil {
		writeOutcome(ctx, err)
		return
	}
	writeResource(ctx, http.StatusOK, res)
}

func (c *Controller) delete(ctx *gin.Context) {
	resourceType := ctx.Param("resourceType")
	id := ctx.Param("id")
	reqCtx := audit.WithPrincipal(ctx.Request.Context(), principal(ctx))
	if err := c.Engine.Delete(reqCtx, resourceType, id); err != nil {
		writeOutcome(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (c *Controller) vread(ctx *gin.Context) {
	resourceType := ctx.Param("resourceType")
	id := ctx.Param("id")
	vid := ctx.Param("vid")
	res, err := c.Engine.VRead(ctx.Request.Context(), resourceType, id, vid)
	if err != nil {
		writeOutcome(ctx, err)
		return
	}
	writeResource(ctx, http.StatusOK, res)
}

func parseSince(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperror.Validationf("invalid _since %q: %v", raw, err)
	}
	return &t, nil
}

func (c *Controller) history(ctx *gin.Context) {
	resourceType := ctx.Param("resourceType")
	id := ctx.Param("id")

	since, err := parseSince(ctx.Query("_since"))
	if err != nil {
		writeOutcome(ctx, err)
		return
	}
	count := 100
	if raw := ctx.Query("_count"); raw != "" {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			count = n
		}
	}

	entries, err := c.Engine.ResourceHistory(ctx.Request.Context(), resourceType, id, since, count)
	if err != nil {
		writeOutcome(ctx, err)
		return
	}
	ctx.Data(http.StatusOK, "application/fhir+json; charset=utf-8", writeHistoryBundle(entries))
}

// writeHistoryBundle streams a "history" Bundle the same raw-byte way
// bundle.WriteSearchset does: resource bytes are appended verbatim,
// never re-decoded. History entries carry no search.mode, so this does
// not reuse WriteSearchset directly.
func writeHistoryBundle(entries []history.Entry) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"resourceType":"Bundle","type":"history","entry":[`)
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"fullUrl":"` + e.Resource.Key() + `","resource":`)
		buf.Write(e.Resource.JSONBytes())
		buf.WriteString(`,"response":{"status":"` + e.Resource.VersionId() + `"}}`)
	}
	buf.WriteString(`]}`)
	return buf.Bytes()
}

// nextPageLink builds spec §6's continuation URL:
// "?_getpages={token}&_getpagesoffset={n}&_count={n}", rooted at path
// (the same resource-path the original request was served from).
func nextPageLink(base, path, token string, offset, count int) bundle.Link {
	return bundle.Link{
		Relation: "next",
		URL:      base + "/" + path + "?_getpages=" + token + "&_getpagesoffset=" + strconv.Itoa(offset) + "&_count=" + strconv.Itoa(count),
	}
}

func (c *Controller) search(ctx *gin.Context) {
	resourceType := ctx.Param("resourceType")
	query := ctx.Request.URL.Query()
	if ctx.Request.Method == http.MethodPost {
		body, err := readBody(ctx)
		if err == nil && len(body) > 0 {
			if parsed, parseErr := url.ParseQuery(string(body)); parseErr == nil {
				query = parsed
			}
		}
	}

	count := 0
	if raw := query.Get("_count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			count = n
		}
	}

	var page *engine.SearchPage
	var err error
	offset := 0

	// Spec §4.12/§6: a "?_getpages={token}&_getpagesoffset={n}" request
	// continues a prior search's pagination state instead of re-running
	// the FTS query.
	if token := query.Get("_getpages"); token != "" {
		if raw := query.Get("_getpagesoffset"); raw != "" {
			if n, convErr := strconv.Atoi(raw); convErr == nil {
				offset = n
			}
		}
		page, err = c.Engine.ContinuePage(ctx.Request.Context(), token, offset, count)
	} else {
		q := search.Query{ResourceType: resourceType, Params: map[string][]string(query), Count: count}
		if raw := query.Get("_offset"); raw != "" {
			if n, convErr := strconv.Atoi(raw); convErr == nil {
				q.Offset = n
			}
		}
		if raw := query.Get("_sort"); raw != "" {
			q.Sort = strings.Split(raw, ",")
		}

		var includeDirectives []string
		includeDirectives = append(includeDirectives, query["_include"]...)
		includeDirectives = append(includeDirectives, query["_revinclude"]...)

		page, err = c.Engine.Search(ctx.Request.Context(), q, includeDirectives)
	}
	if err != nil {
		writeOutcome(ctx, err)
		return
	}

	base := baseURL(ctx)
	entries := make([]bundle.WireEntry, 0, len(page.Matches)+len(page.Includes))
	for _, r := range page.Matches {
		entries = append(entries, bundle.WireEntry{Key: r.Key(), Bytes: r.JSONBytes(), Mode: bundle.ModeMatch})
	}
	for _, r := range page.Includes {
		entries = append(entries, bundle.WireEntry{Key: r.Key(), Bytes: r.JSONBytes(), Mode: bundle.ModeInclude})
	}

	var links []bundle.Link
	links = append(links, bundle.Link{Relation: "self", URL: ctx.Request.URL.String()})
	if page.HasNext {
		links = append(links, nextPageLink(base, resourceType, page.Token, offset+len(page.Matches), len(page.Matches)))
	}

	ctx.Data(http.StatusOK, "application/fhir+json; charset=utf-8", bundle.WriteSearchset(base, page.Total, links, entries))
}

func (c *Controller) everything(ctx *gin.Context) {
	resourceType := ctx.Param("resourceType")
	id := ctx.Param("id")
	if resourceType != "Patient" {
		writeOutcome(ctx, apperror.Validationf("$everything is only defined for Patient, got %s", resourceType))
		return
	}

	query := ctx.Request.URL.Query()
	path := resourceType + "/" + id + "/$everything"

	// Continuation of a prior $everything token reuses the generic
	// ContinuePage resolver: spec §4.8's registered key list is just
	// another paging.Store entry.
	if token := query.Get("_getpages"); token != "" {
		offset := 0
		if raw := query.Get("_getpagesoffset"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				offset = n
			}
		}
		count := 0
		if raw := query.Get("_count"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				count = n
			}
		}
		page, err := c.Engine.ContinuePage(ctx.Request.Context(), token, offset, count)
		if err != nil {
			writeOutcome(ctx, err)
			return
		}
		c.writeEverythingPage(ctx, path, page.Matches, page.Total, page.Token, page.HasNext, offset+len(page.Matches))
		return
	}

	var opts everything.Options
	if types := ctx.QueryArray("_type"); len(types) > 0 {
		opts.Types = strings.Split(strings.Join(types, ","), ",")
	}
	if since, err := parseSince(query.Get("_since")); err == nil {
		opts.Since = since
	}
	if raw := query.Get("_count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			opts.Count = n
		}
	}

	page, err := c.Engine.Everything(ctx.Request.Context(), id, opts)
	if err != nil {
		writeOutcome(ctx, err)
		return
	}
	c.writeEverythingPage(ctx, path, page.Resources, page.Total, page.Token, page.HasNext, len(page.Resources))
}

// writeEverythingPage renders one $everything page as a searchset
// Bundle, emitting a next link (spec §6's "?_getpages=...") when more
// keys remain than were fetched into resources.
func (c *Controller) writeEverythingPage(ctx *gin.Context, path string, resources []*resource.Resource, total int, token string, hasNext bool, nextOffset int) {
	entries := make([]bundle.WireEntry, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, bundle.WireEntry{Key: r.Key(), Bytes: r.JSONBytes(), Mode: bundle.ModeMatch})
	}

	base := baseURL(ctx)
	links := []bundle.Link{{Relation: "self", URL: ctx.Request.URL.String()}}
	if hasNext {
		links = append(links, nextPageLink(base, path, token, nextOffset, len(resources)))
	}

	ctx.Data(http.StatusOK, "application/fhir+json; charset=utf-8", bundle.WriteSearchset(base, total, links, entries))
}

func (c *Controller) applyBundle(ctx *gin.Context) {
	body, err := readBody(ctx)
	if err != nil {
		writeOutcome(ctx, err)
		return
	}

	reqCtx := audit.WithPrincipal(ctx.Request.Context(), principal(ctx))
	bundleType, responses, err := c.Engine.ApplyBundle(reqCtx, body)
	if err != nil {
		writeOutcome(ctx, err)
		return
	}

	var buf bytes.Buffer
	buf.WriteString(`{"resourceType":"Bundle","type":"`)
	buf.WriteString(bundleType + "-response")
	buf.WriteString(`","entry":[`)
	for i, r := range responses {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"response":{"status":"`)
		buf.WriteString(r.Status)
		buf.WriteByte('"')
		if r.Location != "" {
			buf.WriteString(`,"location":"` + r.Location + `"`)
		}
		buf.WriteByte('}')
		if r.Resource != nil {
			buf.WriteString(`,"resource":`)
			buf.Write(r.Resource.JSONBytes())
		}
		buf.WriteByte('}')
	}
	buf.WriteString(`]}`)
	ctx.Data(http.StatusOK, "application/fhir+json; charset=utf-8", buf.Bytes())
}

func baseURL(ctx *gin.Context) string {
	scheme := "http"
	if ctx.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + ctx.Request.Host
}
