package mongogateway

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/medblocks/fhir-core/storage"
)

// MongoQuery is the concrete storage.Query this gateway understands: a
// compiled bson.M filter against one bucket/collection, standing in for
// a Couchbase FTS query per spec §4.3/§6. Package search constructs one
// of these per compiled search request; no other gateway implementation
// needs to understand it.
type MongoQuery struct {
	Bucket     string
	Collection string
	Filter     bson.M
}

// SearchQuery executes a compiled query against the backing collection,
// returning ordered document keys the same way an FTS hit-list does.
// Grounded on search/mongo_search_test.go's createQueryObject shape
// (bson.M filters with $elemMatch/regex) feeding into a Mongo Find.
func (g *Gateway) SearchQuery(ctx context.Context, index string, query storage.Query, opts storage.SearchOptions) (*storage.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.queryTimeout)
	defer cancel()

	mq, ok := query.(MongoQuery)
	if !ok {
		return nil, errors.Errorf("SearchQuery: unsupported query type %T for mongogateway", query)
	}

	findOpts := options.Find().SetProjection(bson.M{"_id": 1})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(int64(opts.Skip))
	}
	if len(opts.Sort) > 0 {
		sortDoc := bson.D{}
		for _, s := range opts.Sort {
			dir := 1
			if s.Descending {
				dir = -1
			}
			sortDoc = append(sortDoc, bson.E{Key: s.Path, Value: dir})
		}
		findOpts.SetSort(sortDoc)
	}

	coll := g.collection(mq.Bucket, "Resources", mq.Collection)

	total, err := coll.CountDocuments(ctx, mq.Filter)
	if err != nil {
		return nil, errors.Wrap(err, "SearchQuery: CountDocuments failed")
	}

	cursor, err := coll.Find(ctx, mq.Filter, findOpts)
	if err != nil {
		return nil, errors.Wrap(err, "SearchQuery: Find failed")
	}
	defer cursor.Close(ctx)

	var rowIDs []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "SearchQuery: decode failed")
		}
		rowIDs = append(rowIDs, doc.ID)
	}
	if err := cursor.Err(); err != nil && err != mongo.ErrNoDocuments {
		return nil, errors.Wrap(err, "SearchQuery: cursor iteration failed")
	}

	return &storage.SearchResult{RowIDs: rowIDs, TotalRows: int(total)}, nil
}
