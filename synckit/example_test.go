package synckit_test

import (
	"context"
	"fmt"

	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/storage/memory"
	"github.com/c0deZ3R0/docsync/synckit"
)

func ExampleNewReplication() {
	ctx := context.Background()
	storage := memory.New(memory.WithLogger(logging.Discard()))
	open := func(name string) synckit.StorageInstance {
		inst, err := storage.CreateInstance(ctx, synckit.InstanceConfig{CollectionName: name, Logger: logging.Discard()})
		if err != nil {
			panic(err)
		}
		return inst
	}
	local, master := open("local"), open("master")
	defer local.Close()
	defer master.Close()

	_, _ = local.BulkWrite(ctx, []synckit.WriteRow{
		{Document: synckit.NewDocument("greeting", map[string]any{"text": "hello"})},
	}, "app")

	rep, err := synckit.NewReplication(local, synckit.NewInstanceEndpoint(master),
		synckit.WithLive(false),
		synckit.WithConflictHandler(synckit.LastWriteWins()),
		synckit.WithLogger(logging.Discard()))
	if err != nil {
		panic(err)
	}
	if err := rep.Start(ctx); err != nil {
		panic(err)
	}
	if err := rep.AwaitInitialReplication(ctx); err != nil {
		panic(err)
	}
	_ = rep.Stop(ctx)

	docs, _ := master.FindByID(ctx, []string{"greeting"}, false)
	fmt.Println(len(docs), docs[0].Data["text"])
	// Output: 1 hello
}
