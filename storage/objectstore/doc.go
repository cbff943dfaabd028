// Package objectstore archives staged artifacts into a NATS JetStream
// ObjectStore bucket.
//
// The bucket is created on first use. Objects are written with the staging
// key ("columnar_table/<stem>.parquet"), so archived files from one run
// share a common stem.
//
// Usage:
//
//	client, _ := natsclient.NewClient("nats://localhost:4222")
//	_ = client.Connect(ctx)
//
//	store, err := objectstore.NewStore(ctx, client, objectstore.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	s, _ := stage.New(baseDir, stage.WithRetention(stage.RetentionArchive),
//	    stage.WithArchive(store, "captures"))
package objectstore
