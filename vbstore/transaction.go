package vbstore

// TransactionStart opens a transaction and returns its id. It blocks
// while the client is suspended or a Suspend is waiting for open
// transactions to end.
func (c *Client) TransactionStart() TxID {
	c.txGroupMu.RLock()

	c.txAdmitMu.Lock()
	defer c.txAdmitMu.Unlock()

	c.txOpen++

	c.nextTx++
	if c.nextTx == NoTx {
		c.nextTx++
	}

	return c.nextTx
}

// TransactionEnd commits tx.
func (c *Client) TransactionEnd(tx TxID) error {
	return c.endTransaction(tx, true)
}

// TransactionAbort discards every operation performed under tx.
func (c *Client) TransactionAbort(tx TxID) error {
	return c.endTransaction(tx, false)
}

func (c *Client) endTransaction(tx TxID, commit bool) error {
	arg := "F"
	if commit {
		arg = "T"
	}

	_, err := c.talk(tx, MsgTransactionEnd, Fields(arg))

	c.txAdmitMu.Lock()
	c.txOpen--
	c.txAdmitMu.Unlock()

	c.txGroupMu.RUnlock()

	return err
}

// OpenTransactions returns the number of transactions currently open.
func (c *Client) OpenTransactions() int {
	c.txAdmitMu.Lock()
	defer c.txAdmitMu.Unlock()

	return c.txOpen
}
