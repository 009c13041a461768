package branching

import "github.com/quillgraph/quillgraph-backend/internal/data/repos/dberr"

func wrapDBErr(err error) error { return dberr.Wrap(err) }
